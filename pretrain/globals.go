package internal

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// DefaultAppName is used for config discovery and cache directories
	DefaultAppName       = "pretrain"
	DefaultConfigPath    = filepath.Join(getHomeDir(), ".config", DefaultAppName)
	DefaultCacheDir      = filepath.Join(DefaultConfigPath, ".cache")
	DefaultModelsDir     = filepath.Join(DefaultCacheDir, "models")
	DefaultHistoryDBPath = filepath.Join(DefaultCacheDir, "history.db")
	DefaultHistoryDSN    = "file:" + DefaultHistoryDBPath

	// Default training inputs and outputs
	DefaultModelName  = "voidful/albert_chinese_base"
	DefaultVocabFile  = filepath.Join("data", "new_vocab.txt")
	DefaultTrainFile  = filepath.Join("data", "combined.txt")
	DefaultOutputDir  = "./aec_albert-uncased"
	DefaultLogLevel   = "info"
	DefaultTokBackend = "sugarme"
)

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current working directory if home directory is unavailable
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// GetLogger returns a properly configured zerolog logger instance
func GetLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// GetLeveledLogger returns GetLogger filtered at the named level.
// Unknown level names fall back to info.
func GetLeveledLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return GetLogger().Level(lvl)
}
