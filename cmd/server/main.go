// Package main runs the backtest API server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantframe/backtest-core/internal/api"
	"github.com/quantframe/backtest-core/pkg/types"
)

func main() {
	pflag.String("host", "localhost", "Server host")
	pflag.Int("port", 8080, "Server port")
	pflag.String("log-level", "info", "Log level (debug, info, warn, error)")
	pflag.String("config", "", "Config file path")
	pflag.Bool("metrics", true, "Expose Prometheus metrics on /metrics")
	pflag.Parse()

	v := viper.New()
	v.SetDefault("host", "localhost")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("enable_metrics", true)
	v.SetDefault("read_timeout", 30*time.Second)
	v.SetDefault("write_timeout", 30*time.Second)
	v.SetEnvPrefix("BACKTEST")
	v.AutomaticEnv()
	v.BindPFlag("host", pflag.Lookup("host"))
	v.BindPFlag("port", pflag.Lookup("port"))
	v.BindPFlag("log_level", pflag.Lookup("log-level"))
	v.BindPFlag("enable_metrics", pflag.Lookup("metrics"))

	if configFile, _ := pflag.CommandLine.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read config %s: %v\n", configFile, err)
			os.Exit(1)
		}
	}

	logger := setupLogger(v.GetString("log_level"))
	defer logger.Sync()

	serverConfig := types.ServerConfig{
		Host:          v.GetString("host"),
		Port:          v.GetInt("port"),
		ReadTimeout:   v.GetDuration("read_timeout"),
		WriteTimeout:  v.GetDuration("write_timeout"),
		EnableMetrics: v.GetBool("enable_metrics"),
	}

	server := api.NewServer(logger, serverConfig)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", serverConfig.Host, serverConfig.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", serverConfig.Host, serverConfig.Port)),
		zap.Bool("metrics", serverConfig.EnableMetrics),
	)

	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
