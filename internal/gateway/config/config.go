package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the gateway configuration, read from an INI file with
// CLI overrides applied on top.
type Config struct {
	// [general]
	ConfigsFolder string
	PluginsFolder string
	Interface     string
	LogLevel      string

	// [webserver]
	HTTPEnabled  bool
	Port         int
	HTTPSEnabled bool
	SecurePort   int
	BasePath     string
	MetricsPort  int

	// [certificates]
	CertPem string
	CertKey string

	// [media]
	RTPMinPort int
	RTPMaxPort int

	// [nat]
	PublicIP   string
	StunServer string
	StunPort   int

	// LocalIP is the discovered address of the selected interface,
	// not a file setting.
	LocalIP string
}

// Overrides carries command line values that take precedence over the
// configuration file. Zero values mean "not given".
type Overrides struct {
	ConfigsFolder string
	PluginsFolder string
	Interface     string
	Port          int
	SecurePort    int
	BasePath      string
	CertPem       string
	CertKey       string
	StunServer    string
	PublicIP      string
	RTPPortRange  string
	NoHTTP        bool
}

// Load reads the INI configuration file (if present), applies defaults
// and command line overrides, and validates the result.
func Load(cfgFile string, ov Overrides) (*Config, error) {
	v := viper.New()
	v.SetConfigType("ini")

	v.SetDefault("general.configs_folder", "./conf")
	v.SetDefault("general.plugins_folder", "./plugins")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("webserver.http", "yes")
	v.SetDefault("webserver.port", 8088)
	v.SetDefault("webserver.https", "no")
	v.SetDefault("webserver.base_path", "/janus")
	v.SetDefault("nat.stun_port", 3478)

	if cfgFile == "" {
		// Probe the default locations; .cfg is not an extension viper
		// searches on its own.
		for _, candidate := range []string{"./conf/voxgate.cfg", "./voxgate.cfg"} {
			if _, err := os.Stat(candidate); err == nil {
				cfgFile = candidate
				break
			}
		}
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	applyOverrides(v, ov)

	cfg := &Config{
		ConfigsFolder: v.GetString("general.configs_folder"),
		PluginsFolder: v.GetString("general.plugins_folder"),
		Interface:     v.GetString("general.interface"),
		LogLevel:      v.GetString("general.log_level"),
		HTTPEnabled:   isYes(v.GetString("webserver.http")),
		Port:          v.GetInt("webserver.port"),
		HTTPSEnabled:  isYes(v.GetString("webserver.https")),
		SecurePort:    v.GetInt("webserver.secure_port"),
		BasePath:      v.GetString("webserver.base_path"),
		MetricsPort:   v.GetInt("webserver.metrics_port"),
		CertPem:       v.GetString("certificates.cert_pem"),
		CertKey:       v.GetString("certificates.cert_key"),
		PublicIP:      v.GetString("nat.public_ip"),
		StunServer:    v.GetString("nat.stun_server"),
		StunPort:      v.GetInt("nat.stun_port"),
	}
	if cfg.CertKey == "" {
		cfg.CertKey = cfg.CertPem
	}

	if rng := v.GetString("media.rtp_port_range"); rng != "" {
		minPort, maxPort, err := parsePortRange(rng)
		if err != nil {
			return nil, err
		}
		cfg.RTPMinPort, cfg.RTPMaxPort = minPort, maxPort
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.LocalIP = discoverLocalIP(cfg.Interface)
	return cfg, nil
}

func applyOverrides(v *viper.Viper, ov Overrides) {
	if ov.ConfigsFolder != "" {
		v.Set("general.configs_folder", ov.ConfigsFolder)
	}
	if ov.PluginsFolder != "" {
		v.Set("general.plugins_folder", ov.PluginsFolder)
	}
	if ov.Interface != "" {
		v.Set("general.interface", ov.Interface)
	}
	if ov.NoHTTP {
		v.Set("webserver.http", "no")
	}
	if ov.Port > 0 {
		v.Set("webserver.port", ov.Port)
	}
	if ov.SecurePort > 0 {
		v.Set("webserver.https", "yes")
		v.Set("webserver.secure_port", ov.SecurePort)
	}
	if ov.BasePath != "" {
		v.Set("webserver.base_path", ov.BasePath)
	}
	if ov.CertPem != "" {
		v.Set("certificates.cert_pem", ov.CertPem)
	}
	if ov.CertKey != "" {
		v.Set("certificates.cert_key", ov.CertKey)
	}
	if ov.StunServer != "" {
		// Split in server and port (default port when missing)
		host, port, found := strings.Cut(ov.StunServer, ":")
		v.Set("nat.stun_server", host)
		if found {
			if p, err := strconv.Atoi(port); err == nil {
				v.Set("nat.stun_port", p)
			}
		}
	}
	if ov.PublicIP != "" {
		v.Set("nat.public_ip", ov.PublicIP)
	}
	if ov.RTPPortRange != "" {
		v.Set("media.rtp_port_range", ov.RTPPortRange)
	}
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("invalid base path %q (it should start with a /, e.g., /janus)", c.BasePath)
	}
	c.BasePath = strings.TrimSuffix(c.BasePath, "/")
	if c.BasePath == "" {
		c.BasePath = "/janus"
	}
	if !c.HTTPEnabled && !c.HTTPSEnabled {
		return fmt.Errorf("no webserver enabled (both http and https are off)")
	}
	if c.HTTPSEnabled {
		if c.SecurePort <= 0 {
			return fmt.Errorf("https enabled but secure_port missing")
		}
		if c.CertPem == "" {
			return fmt.Errorf("https enabled but no certificate configured")
		}
	}
	return nil
}

// PublicAddr returns the address to advertise in merged SDP: the
// configured public IP if any, the local IP otherwise.
func (c *Config) PublicAddr() string {
	if c.PublicIP != "" {
		return c.PublicIP
	}
	return c.LocalIP
}

func parsePortRange(s string) (int, int, error) {
	minStr, maxStr, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, fmt.Errorf("invalid rtp_port_range %q (expected min-max)", s)
	}
	minPort, err := strconv.Atoi(strings.TrimSpace(minStr))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid rtp_port_range %q: %w", s, err)
	}
	maxPort, err := strconv.Atoi(strings.TrimSpace(maxStr))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid rtp_port_range %q: %w", s, err)
	}
	if minPort > maxPort {
		minPort, maxPort = maxPort, minPort
	}
	if maxPort == 0 {
		maxPort = 65535
	}
	return minPort, maxPort, nil
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "no", "false", "0", "off":
		return false
	}
	return true
}

// discoverLocalIP selects the local IPv4 address to use: the address of
// the configured interface when it matches, the first non-loopback
// address otherwise, 127.0.0.1 as a last resort.
func discoverLocalIP(preferred string) string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	fallback := ""
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			ip := ipnet.IP.String()
			if preferred != "" && (ip == preferred || iface.Name == preferred) {
				return ip
			}
			if !ipnet.IP.IsLoopback() && fallback == "" {
				fallback = ip
			}
		}
	}
	if fallback != "" {
		return fallback
	}
	return "127.0.0.1"
}
