package app

import (
	"os"
	"strconv"
	"time"
)

// defaultInstructions is the assistant persona sent to the realtime session.
// Overridable via OPENAI_INSTRUCTIONS.
const defaultInstructions = "You are a helpful and bubbly AI assistant who loves to chat about " +
	"anything the caller is interested in and is prepared to offer them facts. " +
	"Always stay positive, but work in a joke when appropriate."

const defaultOpeningPrompt = "Greet the caller warmly and let them know they can start talking whenever they are ready."

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string

	// Twilio REST credentials
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// OpenAI Realtime session
	OpenAIAPIKey  string
	RealtimeModel string
	RealtimeVoice string
	Instructions  string
	OpeningPrompt string
	Temperature   float64

	// Call-control document content (webhook responder)
	GreetingText string
	FollowUpText string
	PauseSeconds int
	StreamPath   string
	SayVoice     string

	// Stream token auth; disabled when the secret is empty
	StreamTokenSecret string
	StreamTokenTTL    time.Duration

	SentryDSN         string
	LogDir            string
	DiscordWebhookURL string
	CallRetentionDays int
}

func LoadConfigFromEnv() Config {
	tokenTTL, err := time.ParseDuration(getenv("STREAM_TOKEN_TTL", "2m"))
	if err != nil {
		tokenTTL = 2 * time.Minute
	}

	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":5050"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", ""),
		DatabaseURL:   getenv("DATABASE_URL", ""),

		TwilioAccountSID: getenv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getenv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: getenv("TWILIO_PHONE_NUMBER", ""),

		OpenAIAPIKey:  getenv("OPENAI_API_KEY", ""),
		RealtimeModel: getenv("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		RealtimeVoice: getenv("OPENAI_VOICE", "alloy"),
		Instructions:  getenv("OPENAI_INSTRUCTIONS", defaultInstructions),
		OpeningPrompt: getenv("OPENAI_OPENING_PROMPT", defaultOpeningPrompt),
		// The realtime API rejects temperatures outside 0.6-1.2.
		Temperature: getenvFloatClamped("OPENAI_TEMPERATURE", 0.8, 0.6, 1.2),

		GreetingText: getenv("GREETING_TEXT", "Please wait while we connect your call to the A. I. voice assistant, powered by Twilio and the Open-A.I. Realtime API"),
		FollowUpText: getenv("FOLLOWUP_TEXT", "O.K. you can start talking!"),
		PauseSeconds: getenvIntClamped("PAUSE_SECONDS", 1, 1, 10),
		StreamPath:   getenv("STREAM_PATH", "/media-stream"),
		SayVoice:     getenv("SAY_VOICE", ""),

		StreamTokenSecret: os.Getenv("STREAM_TOKEN_SECRET"),
		StreamTokenTTL:    tokenTTL,

		SentryDSN:         getenv("SENTRY_DSN", ""),
		LogDir:            getenv("LOG_DIR", ""),
		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
		CallRetentionDays: getenvIntClamped("CALL_RETENTION_DAYS", 30, 1, 365),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped reads an integer env var, falling back to def on absence
// or parse failure and clamping the result to [min, max].
func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}
