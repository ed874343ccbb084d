package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Broker   BrokerConfig
	Telegram TelegramConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	broker, err := loadBrokerConfig()
	if err != nil {
		return nil, err
	}

	telegram, err := loadTelegramConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Broker: broker, Telegram: telegram}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "3000"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":3000" 或 "127.0.0.1:3000"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// BrokerConfig 描述会话代理配置。
type BrokerConfig struct {
	MaxQueueSize      int
	PromotionDelay    time.Duration
	QueuedIdleTimeout time.Duration
}

func loadBrokerConfig() (BrokerConfig, error) {
	maxQueue, err := parseIntEnv("MAX_QUEUE", 100)
	if err != nil {
		return BrokerConfig{}, err
	}
	if maxQueue < 1 {
		return BrokerConfig{}, fmt.Errorf("MAX_QUEUE must be at least 1, got %d", maxQueue)
	}

	promotionDelayMs, err := parseIntEnv("PROMOTION_DELAY_MS", 2000)
	if err != nil {
		return BrokerConfig{}, err
	}
	if promotionDelayMs < 0 {
		return BrokerConfig{}, fmt.Errorf("PROMOTION_DELAY_MS must not be negative, got %d", promotionDelayMs)
	}

	idleTimeoutMs, err := parseIntEnv("QUEUED_IDLE_TIMEOUT_MS", int(30*time.Minute/time.Millisecond))
	if err != nil {
		return BrokerConfig{}, err
	}

	return BrokerConfig{
		MaxQueueSize:      maxQueue,
		PromotionDelay:    time.Duration(promotionDelayMs) * time.Millisecond,
		QueuedIdleTimeout: time.Duration(idleTimeoutMs) * time.Millisecond,
	}, nil
}

// TelegramConfig 描述支持端 Telegram 中继配置。
type TelegramConfig struct {
	Token         string
	SupportChatID int64
}

// Enabled 表示是否提供了必需的凭证。
func (c TelegramConfig) Enabled() bool {
	return c.Token != "" && c.SupportChatID != 0
}

func loadTelegramConfig() (TelegramConfig, error) {
	token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))

	var chatID int64
	if raw := strings.TrimSpace(os.Getenv("TELEGRAM_SUPPORT_CHAT_ID")); raw != "" {
		val, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return TelegramConfig{}, fmt.Errorf("invalid TELEGRAM_SUPPORT_CHAT_ID value %q: %w", raw, err)
		}
		chatID = val
	}

	return TelegramConfig{Token: token, SupportChatID: chatID}, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
