package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir             string            `yaml:"data_dir"`               // Directory for generated HTTPS material
	LogLevel            string            `yaml:"log_level"`              // debug, info, warn, error
	StorageType         string            `yaml:"storage_type"`           // Storage type: "postgres" or "memory"
	DBHost              string            `yaml:"db_host"`                // PostgreSQL host
	DBUser              string            `yaml:"db_user"`                // PostgreSQL user
	DBPassword          string            `yaml:"db_password"`            // PostgreSQL password
	DBName              string            `yaml:"db_name"`                // PostgreSQL database name
	DBPort              int               `yaml:"db_port"`                // PostgreSQL port
	DBSSLMode           string            `yaml:"db_sslmode"`             // PostgreSQL SSL mode
	DBCert              string            `yaml:"db_cert"`                // PostgreSQL client certificate file
	DBKey               string            `yaml:"db_key"`                 // PostgreSQL client private key file
	DBRootCert          string            `yaml:"db_rootcert"`            // PostgreSQL root CA certificate file
	APIKeys             map[string]APIKey `yaml:"api_keys"`               // API keys and their roles
	HTTPSCertFile       string            `yaml:"https_cert_file"`        // Path to the HTTPS certificate file
	HTTPSKeyFile        string            `yaml:"https_key_file"`         // Path to the HTTPS private key file
	HTTPSAddress        string            `yaml:"https_address"`          // The address to listen on for HTTPS
	SMTPListenAddress   string            `yaml:"smtp_listen_address"`    // Inbound SMTP listener, empty disables it
	SMTPDomain          string            `yaml:"smtp_domain"`            // Name announced in the SMTP greeting
	SMTPMaxMessageBytes int               `yaml:"smtp_max_message_bytes"` // Largest accepted challenge message
	SMTPMaxRecipients   int               `yaml:"smtp_max_recipients"`    // RCPT limit per transaction
	SMTPTimeoutSeconds  int               `yaml:"smtp_timeout_seconds"`   // Read and write timeout of inbound sessions
	RelayAddress        string            `yaml:"relay_address"`          // host:port of the outbound relay
	RelayUsername       string            `yaml:"relay_username"`         // PLAIN auth user for the relay
	RelayPassword       string            `yaml:"relay_password"`         // PLAIN auth password for the relay
	RelayImplicitTLS    bool              `yaml:"relay_implicit_tls"`     // Connect with TLS instead of STARTTLS
	DirectDelivery      bool              `yaml:"direct_delivery"`        // Without relay, deliver to the MX of the reply address
	DirectDeliveryPort  int               `yaml:"direct_delivery_port"`   // SMTP port of MX hosts
	DNSServers          []string          `yaml:"dns_servers"`            // host:port resolvers for MX lookups, empty uses resolv.conf
	TrustAnchorFiles    []string          `yaml:"trust_anchor_files"`     // PEM files with S/MIME trust anchors
	RequireSignature    bool              `yaml:"require_signature"`      // Reject challenge emails without S/MIME
	StrictHeaders       bool              `yaml:"strict_headers"`         // Protected Subject must match the envelope
	ResponseHeader      string            `yaml:"response_header"`        // Text placed above the ACME response block
	ResponseFooter      string            `yaml:"response_footer"`        // Text placed below the ACME response block
}

// APIKey defines an API key and its associated roles.
type APIKey struct {
	Roles []string `yaml:"roles"`
}

const (
	defaultDataDir             = "./data"
	defaultLogLevel            = "info"
	defaultStorageType         = "postgres"
	defaultDBHost              = "localhost"
	defaultDBUser              = "acmemail"
	defaultDBPassword          = "password"
	defaultDBName              = "acmemail"
	defaultDBPort              = 5432
	defaultDBSSLMode           = "disable" // Default to disable SSL
	defaultHTTPSCertFile       = "./data/https.crt"
	defaultHTTPSKeyFile        = "./data/https.key"
	defaultHTTPSAddress        = ":8443"
	defaultSMTPListenAddress   = ":2525"
	defaultSMTPDomain          = "localhost"
	defaultSMTPMaxMessageBytes = 10 * 1024 * 1024
	defaultSMTPMaxRecipients   = 50
	defaultSMTPTimeoutSeconds  = 10
	defaultDirectDeliveryPort  = 25
)

var defaultAPIKeys = map[string]APIKey{
	"operator-api-key": {Roles: []string{"operator"}},
}

// LoadConfig loads the configuration. Defaults come first, then the YAML file named by
// ACMEMAIL_CONFIG_FILE (if any), then environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DataDir:             defaultDataDir,
		LogLevel:            defaultLogLevel,
		StorageType:         defaultStorageType,
		DBHost:              defaultDBHost,
		DBUser:              defaultDBUser,
		DBPassword:          defaultDBPassword,
		DBName:              defaultDBName,
		DBPort:              defaultDBPort,
		DBSSLMode:           defaultDBSSLMode,
		HTTPSCertFile:       defaultHTTPSCertFile,
		HTTPSKeyFile:        defaultHTTPSKeyFile,
		HTTPSAddress:        defaultHTTPSAddress,
		SMTPListenAddress:   defaultSMTPListenAddress,
		SMTPDomain:          defaultSMTPDomain,
		SMTPMaxMessageBytes: defaultSMTPMaxMessageBytes,
		SMTPMaxRecipients:   defaultSMTPMaxRecipients,
		SMTPTimeoutSeconds:  defaultSMTPTimeoutSeconds,
		DirectDeliveryPort:  defaultDirectDeliveryPort,
		StrictHeaders:       true,
	}

	if path := os.Getenv("ACMEMAIL_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse config file: %w", err)
		}
	}
	if cfg.APIKeys == nil {
		cfg.APIKeys = make(map[string]APIKey, len(defaultAPIKeys))
		for k, v := range defaultAPIKeys {
			cfg.APIKeys[k] = v
		}
	}

	cfg.DataDir = getEnv("ACMEMAIL_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = strings.ToLower(getEnv("ACMEMAIL_LOG_LEVEL", cfg.LogLevel))
	cfg.StorageType = getEnv("ACMEMAIL_STORAGE_TYPE", cfg.StorageType)
	cfg.DBHost = getEnv("ACMEMAIL_DB_HOST", cfg.DBHost)
	cfg.DBUser = getEnv("ACMEMAIL_DB_USER", cfg.DBUser)
	cfg.DBPassword = getEnv("ACMEMAIL_DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = getEnv("ACMEMAIL_DB_NAME", cfg.DBName)
	cfg.DBPort = getEnvAsInt("ACMEMAIL_DB_PORT", cfg.DBPort)
	cfg.DBSSLMode = getEnv("ACMEMAIL_DB_SSLMODE", cfg.DBSSLMode)
	cfg.DBCert = getEnv("ACMEMAIL_DB_CERT", cfg.DBCert)
	cfg.DBKey = getEnv("ACMEMAIL_DB_KEY", cfg.DBKey)
	cfg.DBRootCert = getEnv("ACMEMAIL_DB_ROOTCERT", cfg.DBRootCert)
	cfg.HTTPSCertFile = getEnv("ACMEMAIL_HTTPS_CERT_FILE", cfg.HTTPSCertFile)
	cfg.HTTPSKeyFile = getEnv("ACMEMAIL_HTTPS_KEY_FILE", cfg.HTTPSKeyFile)
	cfg.HTTPSAddress = getEnv("ACMEMAIL_HTTPS_ADDRESS", cfg.HTTPSAddress)
	cfg.SMTPListenAddress = getEnv("ACMEMAIL_SMTP_LISTEN_ADDRESS", cfg.SMTPListenAddress)
	cfg.SMTPDomain = getEnv("ACMEMAIL_SMTP_DOMAIN", cfg.SMTPDomain)
	cfg.SMTPMaxMessageBytes = getEnvAsInt("ACMEMAIL_SMTP_MAX_MESSAGE_BYTES", cfg.SMTPMaxMessageBytes)
	cfg.SMTPMaxRecipients = getEnvAsInt("ACMEMAIL_SMTP_MAX_RECIPIENTS", cfg.SMTPMaxRecipients)
	cfg.SMTPTimeoutSeconds = getEnvAsInt("ACMEMAIL_SMTP_TIMEOUT_SECONDS", cfg.SMTPTimeoutSeconds)
	cfg.RelayAddress = getEnv("ACMEMAIL_RELAY_ADDRESS", cfg.RelayAddress)
	cfg.RelayUsername = getEnv("ACMEMAIL_RELAY_USERNAME", cfg.RelayUsername)
	cfg.RelayPassword = getEnv("ACMEMAIL_RELAY_PASSWORD", cfg.RelayPassword)
	cfg.RelayImplicitTLS = getEnvAsBool("ACMEMAIL_RELAY_IMPLICIT_TLS", cfg.RelayImplicitTLS)
	cfg.DirectDelivery = getEnvAsBool("ACMEMAIL_DIRECT_DELIVERY", cfg.DirectDelivery)
	cfg.DirectDeliveryPort = getEnvAsInt("ACMEMAIL_DIRECT_DELIVERY_PORT", cfg.DirectDeliveryPort)
	cfg.DNSServers = getEnvAsList("ACMEMAIL_DNS_SERVERS", cfg.DNSServers)
	cfg.TrustAnchorFiles = getEnvAsList("ACMEMAIL_TRUST_ANCHOR_FILES", cfg.TrustAnchorFiles)
	cfg.RequireSignature = getEnvAsBool("ACMEMAIL_REQUIRE_SIGNATURE", cfg.RequireSignature)
	cfg.StrictHeaders = getEnvAsBool("ACMEMAIL_STRICT_HEADERS", cfg.StrictHeaders)
	cfg.ResponseHeader = getEnv("ACMEMAIL_RESPONSE_HEADER", cfg.ResponseHeader)
	cfg.ResponseFooter = getEnv("ACMEMAIL_RESPONSE_FOOTER", cfg.ResponseFooter)
	if v := os.Getenv("ACMEMAIL_API_KEYS"); v != "" {
		keys, err := parseAPIKeys(v)
		if err != nil {
			return nil, err
		}
		cfg.APIKeys = keys
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid boolean value for %s (%s), using default: %t", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping empty items.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

// parseAPIKeys reads "key:role1|role2,key2:role".
func parseAPIKeys(s string) (map[string]APIKey, error) {
	keys := make(map[string]APIKey)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, roles, ok := strings.Cut(entry, ":")
		if !ok || key == "" || roles == "" {
			return nil, fmt.Errorf("config: invalid API key entry %q, want key:role1|role2", entry)
		}
		keys[key] = APIKey{Roles: strings.Split(roles, "|")}
	}
	return keys, nil
}
