package utils

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Инициализация структурированного логирования (zerolog).
//
// Формат "console" - человекочитаемый вывод для разработки,
// "json" - структурированный для production (сбор в Loki/ELK).

// InitLogger настраивает глобальный logger
func InitLogger(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if strings.ToLower(format) == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	}
}

// ComponentLogger возвращает logger с меткой компонента
//
//	log := utils.ComponentLogger("lifecycle_engine")
//	log.Info().Str("token", token).Msg("arbitrage opened")
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
