package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	redact(&out.Broker.APIKey)
	redact(&out.Broker.APISecret)
	redact(&out.Feed.Token)
	redact(&out.Paper.Token)

	redact(&out.Vault.MasterPassword)
	if cfg.Vault.Sessions != nil {
		out.Vault.Sessions = make(map[string]string, len(cfg.Vault.Sessions))
		for user, token := range cfg.Vault.Sessions {
			redact(&token)
			out.Vault.Sessions[user] = token
		}
	}

	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through
	// the redacted copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	if cfg.Risk.FreezeQuantities != nil {
		out.Risk.FreezeQuantities = make(map[string]int64, len(cfg.Risk.FreezeQuantities))
		for k, v := range cfg.Risk.FreezeQuantities {
			out.Risk.FreezeQuantities[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
