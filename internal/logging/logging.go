package logging

import (
	"io"
	"os"
	"strings"

	"github.com/router-for-me/CLIProxyDashboard/internal/config"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures logrus output, level, and optional file rotation.
func Setup(cfg config.LogConfig) {
	level, errParse := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if errParse != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	file := strings.TrimSpace(cfg.File)
	if file == "" {
		log.SetOutput(os.Stdout)
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 3),
		MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
}

func orDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
