package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. EXAMGUARD_STORAGE_DSN.
const EnvPrefix = "EXAMGUARD"

// ApplyEnv overlays environment variables on top of a decoded config. Only keys
// that are set in the environment are applied.
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	keys := []string{
		"LOG_LEVEL",
		"STORAGE_DRIVER",
		"STORAGE_DSN",
		"KAFKA_BROKERS",
		"EVENTS_BROKERS",
		"GEMINI_API_KEY",
		"DETECTION_BACKEND",
		"OTLP_ENDPOINT",
		"API_ADDR",
		"REST_ADDR",
	}
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return err
		}
	}

	if s := v.GetString("LOG_LEVEL"); s != "" {
		cfg.LogLevel = s
	}
	if s := v.GetString("STORAGE_DRIVER"); s != "" {
		cfg.Storage.Driver = s
		cfg.Storage.Enabled = true
	}
	if s := v.GetString("STORAGE_DSN"); s != "" {
		cfg.Storage.DSN = s
		cfg.Storage.Enabled = true
	}
	if brokers := splitList(v.GetString("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Ingest.Kafka.Brokers = brokers
	}
	if brokers := splitList(v.GetString("EVENTS_BROKERS")); len(brokers) > 0 {
		cfg.Events.Brokers = brokers
	}
	if s := v.GetString("GEMINI_API_KEY"); s != "" {
		cfg.Detection.Gemini.APIKey = s
	}
	if s := v.GetString("DETECTION_BACKEND"); s != "" {
		cfg.Detection.Backend = s
	}
	if s := v.GetString("OTLP_ENDPOINT"); s != "" {
		cfg.Telemetry.OTLPEndpoint = s
	}
	if s := v.GetString("API_ADDR"); s != "" {
		cfg.API.Addr = s
	}
	if s := v.GetString("REST_ADDR"); s != "" {
		cfg.Ingest.REST.Addr = s
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
