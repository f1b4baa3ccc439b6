package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/making-something/articon-dispatch/internal/apperr"
)

type Config struct {
	Port     string
	LogLevel string

	// Webhook and WhatsApp Cloud API
	VerifyToken               string
	AppSecret                 string
	WhatsAppToken             string
	PhoneNumberID             string
	WhatsAppBusinessAccountID string
	GraphAPIBase              string

	// Storage
	DBDriver      string
	DBPath        string
	DatabaseURL   string
	LedgerBackend string
	LedgerPath    string

	// Dispatch
	ParticipantsCSV   string
	Channel           string
	SendRatePerSecond float64
	SendBurst         int
	RequiredTemplates []string

	// SMTP; an empty host selects the log-only transport
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	// Trigger
	PollInterval   time.Duration
	MilestonesFile string
	EventStart     time.Time
	EventEnd       time.Time

	TemplateSyncMaxPages int
}

// LoadConfig reads .env when present and then the process environment.
func LoadConfig() *Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("Warning: Error loading .env file")
	}
	return FromEnv()
}

// FromEnv builds a Config from the environment only.
func FromEnv() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		VerifyToken:               getEnv("VERIFY_TOKEN", ""),
		AppSecret:                 getEnv("APP_SECRET", ""),
		WhatsAppToken:             getEnv("WHATSAPP_TOKEN", ""),
		PhoneNumberID:             getEnv("PHONE_NUMBER_ID", ""),
		WhatsAppBusinessAccountID: getEnv("WABA_ID", ""),
		GraphAPIBase:              getEnv("GRAPH_API_BASE", "https://graph.facebook.com/v19.0"),

		DBDriver:      getEnv("DB_DRIVER", "sqlite"),
		DBPath:        getEnv("DB_PATH", "./articon.db"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		LedgerBackend: getEnv("LEDGER_BACKEND", "file"),
		LedgerPath:    getEnv("LEDGER_PATH", "./data/sent-ledger.jsonl"),

		ParticipantsCSV:   getEnv("PARTICIPANTS_CSV", "./participants.csv"),
		Channel:           getEnv("CHANNEL", "email"),
		SendRatePerSecond: getEnvFloat("SEND_RATE_PER_SECOND", 5),
		SendBurst:         getEnvInt("SEND_BURST", 1),
		RequiredTemplates: getEnvList("REQUIRED_TEMPLATES"),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvInt("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		MailFrom:     getEnv("MAIL_FROM", "ArtIcon <no-reply@articon.local>"),

		PollInterval:   getEnvDuration("POLL_INTERVAL", time.Minute),
		MilestonesFile: getEnv("MILESTONES_FILE", ""),
		EventStart:     getEnvTime("EVENT_START"),
		EventEnd:       getEnvTime("EVENT_END"),

		TemplateSyncMaxPages: getEnvInt("TEMPLATE_SYNC_MAX_PAGES", 50),
	}
}

// Validate rejects combinations that cannot run.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return apperr.Config("config: DATABASE_URL is required for DB_DRIVER=postgres")
		}
	default:
		return apperr.Config("config: unknown DB_DRIVER " + strconv.Quote(c.DBDriver))
	}
	switch c.LedgerBackend {
	case "file", "db":
	default:
		return apperr.Config("config: unknown LEDGER_BACKEND " + strconv.Quote(c.LedgerBackend))
	}
	switch c.Channel {
	case "email", "whatsapp":
	default:
		return apperr.Config("config: unknown CHANNEL " + strconv.Quote(c.Channel))
	}
	if c.Channel == "whatsapp" && (c.WhatsAppToken == "" || c.PhoneNumberID == "") {
		return apperr.Config("config: WHATSAPP_TOKEN and PHONE_NUMBER_ID are required for CHANNEL=whatsapp")
	}
	if c.SendRatePerSecond < 0 || c.SendBurst < 1 {
		return apperr.Config("config: SEND_RATE_PER_SECOND must be >= 0 and SEND_BURST >= 1")
	}
	return nil
}

// SMTPEnabled reports whether real email delivery is configured.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil && v > 0 {
		return v
	}
	return fallback
}

func getEnvTime(key string) time.Time {
	v, err := time.Parse(time.RFC3339, getEnv(key, ""))
	if err != nil {
		return time.Time{}
	}
	return v
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
