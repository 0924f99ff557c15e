// Package config loads voicebridge's configuration: CLI flags, an
// INI-style file (gopkg.in/ini.v1), and environment fallback, in the
// cascade order SPEC_FULL 6 specifies for every key: option-bag override
// (applied by the dispatcher at call time, not here) -> INI value ->
// environment variable -> default.
//
// Grounded on internal/rtpmanager/config/config.go's flag+env cascade
// idiom, generalized from a single flat struct to INI sections since
// this deployment's config surface (four AI-provider flavors, the
// management channel, RTP bind range) does not fit one.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"
)

// Version is the build version reported by -v/--version.
const Version = "voicebridge 0.1.0"

// EngineConfig is the [engine] section.
type EngineConfig struct {
	EventIP   string
	EventPort int
	RTPIP     string
	APIURL    string
	APIKey    string
	BotHeader string
}

// OpenSIPSConfig is the [opensips] section: the management channel peer.
type OpenSIPSConfig struct {
	IP   string
	Port int
}

// RTPConfig is the [rtp] section.
type RTPConfig struct {
	MinPort int
	MaxPort int
	BindIP  string
	IP      string
}

// FlavorConfig is the common per-flavor shape shared by [openai],
// [deepgram], [deepgram_native], and [azure].
type FlavorConfig struct {
	Key                    string
	Model                  string
	SpeechModel            string
	Voice                  string
	Language               string
	Instructions           string
	WelcomeMessage         string
	TransferTo             string
	TransferBy             string
	TurnDetectionType      string
	TurnDetectionSilenceMS int
	TurnDetectionThreshold float64
	TurnDetectionPrefixMS  int
	Temperature            float64
	MaxTokens              string
	Tools                  []string
	Disabled               bool
	Match                  string
}

// Config is the full resolved configuration tree.
type Config struct {
	Engine         EngineConfig
	OpenSIPS       OpenSIPSConfig
	RTP            RTPConfig
	OpenAI         FlavorConfig
	Deepgram       FlavorConfig
	DeepgramNative FlavorConfig
	Azure          FlavorConfig
	LogLevel       string
}

// Flags holds the parsed CLI flags, separate from Config since -v and an
// empty -c short-circuit before any file is loaded.
type Flags struct {
	ConfigPath string
	Version    bool
	LogLevel   string
}

// ParseFlags parses args (pass os.Args[1:]) per SPEC_FULL 6's CLI surface:
// -c/--config <path>, -v/--version, -l/--loglevel.
func ParseFlags(args []string) (*Flags, error) {
	fs := flag.NewFlagSet("voicebridge", flag.ContinueOnError)
	f := &Flags{}
	fs.StringVar(&f.ConfigPath, "c", "", "path to the INI configuration file")
	fs.StringVar(&f.ConfigPath, "config", "", "path to the INI configuration file")
	fs.BoolVar(&f.Version, "v", false, "print version and exit")
	fs.BoolVar(&f.Version, "version", false, "print version and exit")
	fs.StringVar(&f.LogLevel, "l", "", "log level (DEBUG, INFO, WARNING, ERROR, CRITICAL)")
	fs.StringVar(&f.LogLevel, "loglevel", "", "log level (DEBUG, INFO, WARNING, ERROR, CRITICAL)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads configPath (if non-empty) as an INI file and resolves every
// key through the INI -> environment -> default cascade.
func Load(configPath string) (*Config, error) {
	var file *ini.File
	if configPath != "" {
		loaded, err := ini.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
		file = loaded
	} else {
		file = ini.Empty()
	}

	cfg := &Config{
		Engine: EngineConfig{
			EventIP:   str(file, "engine", "event_ip", "ENGINE_EVENT_IP", "0.0.0.0"),
			EventPort: integer(file, "engine", "event_port", "ENGINE_EVENT_PORT", 8080),
			RTPIP:     str(file, "engine", "rtp_ip", "ENGINE_RTP_IP", "0.0.0.0"),
			APIURL:    str(file, "engine", "api_url", "ENGINE_API_URL", ""),
			APIKey:    str(file, "engine", "api_key", "ENGINE_API_KEY", ""),
			BotHeader: str(file, "engine", "bot_header", "ENGINE_BOT_HEADER", "To"),
		},
		OpenSIPS: OpenSIPSConfig{
			IP:   str(file, "opensips", "ip", "OPENSIPS_IP", "127.0.0.1"),
			Port: integer(file, "opensips", "port", "OPENSIPS_PORT", 8080),
		},
		RTP: RTPConfig{
			MinPort: integer(file, "rtp", "min_port", "RTP_MIN_PORT", 35000),
			MaxPort: integer(file, "rtp", "max_port", "RTP_MAX_PORT", 65000),
			BindIP:  str(file, "rtp", "bind_ip", "RTP_BIND_IP", "0.0.0.0"),
			IP:      str(file, "rtp", "ip", "RTP_IP", ""),
		},
		OpenAI:         flavor(file, "openai", "OPENAI"),
		Deepgram:       flavor(file, "deepgram", "DEEPGRAM"),
		DeepgramNative: flavor(file, "deepgram_native", "DEEPGRAM_NATIVE"),
		Azure:          flavor(file, "azure", "AZURE"),
		LogLevel:       str(file, "engine", "loglevel", "LOGLEVEL", "INFO"),
	}
	return cfg, nil
}

func flavor(file *ini.File, section, envPrefix string) FlavorConfig {
	return FlavorConfig{
		Key:                    str(file, section, "key", envPrefix+"_KEY", ""),
		Model:                  str(file, section, "model", envPrefix+"_MODEL", ""),
		SpeechModel:            str(file, section, "speech_model", envPrefix+"_SPEECH_MODEL", ""),
		Voice:                  str(file, section, "voice", envPrefix+"_VOICE", ""),
		Language:               str(file, section, "language", envPrefix+"_LANGUAGE", ""),
		Instructions:           str(file, section, "instructions", envPrefix+"_INSTRUCTIONS", ""),
		WelcomeMessage:         str(file, section, "welcome_message", envPrefix+"_WELCOME_MESSAGE", ""),
		TransferTo:             str(file, section, "transfer_to", envPrefix+"_TRANSFER_TO", ""),
		TransferBy:             str(file, section, "transfer_by", envPrefix+"_TRANSFER_BY", ""),
		TurnDetectionType:      str(file, section, "turn_detection_type", envPrefix+"_TURN_DETECTION_TYPE", ""),
		TurnDetectionSilenceMS: integer(file, section, "turn_detection_silence_ms", envPrefix+"_TURN_DETECTION_SILENCE_MS", 0),
		TurnDetectionThreshold: floatVal(file, section, "turn_detection_threshold", envPrefix+"_TURN_DETECTION_THRESHOLD", 0),
		TurnDetectionPrefixMS:  integer(file, section, "turn_detection_prefix_ms", envPrefix+"_TURN_DETECTION_PREFIX_MS", 0),
		Temperature:            floatVal(file, section, "temperature", envPrefix+"_TEMPERATURE", 0),
		MaxTokens:              str(file, section, "max_tokens", envPrefix+"_MAX_TOKENS", ""),
		Tools:                  list(file, section, "tools"),
		Disabled:               boolean(file, section, "disabled", envPrefix+"_DISABLED", false),
		Match:                  str(file, section, "match", envPrefix+"_MATCH", ""),
	}
}

func str(file *ini.File, section, key, envVar, def string) string {
	if file.HasSection(section) {
		if v := file.Section(section).Key(key).String(); v != "" {
			return v
		}
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return def
}

func integer(file *ini.File, section, key, envVar string, def int) int {
	raw := str(file, section, key, envVar, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func floatVal(file *ini.File, section, key, envVar string, def float64) float64 {
	raw := str(file, section, key, envVar, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

func boolean(file *ini.File, section, key, envVar string, def bool) bool {
	raw := str(file, section, key, envVar, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func list(file *ini.File, section, key string) []string {
	if !file.HasSection(section) {
		return nil
	}
	return file.Section(section).Key(key).Strings(",")
}
