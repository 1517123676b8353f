package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Env:               "development",
		Port:              "8080",
		JWTSecret:         "secure-secret-at-least-32-chars-long",
		DBPassword:        "secure-password",
		DBSSLMode:         "require",
		StoreDriver:       StoreDriverPostgres,
		ChatCharLimit:     42,
		RateLimitWindow:   time.Minute,
		RateLimitMax:      10,
		HistoryReplaySize: 50,
		ExportLimit:       1000,
		BlockDurations:    "2h,4h,6h",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{"valid development config", func(_ *Config) {}, false},
		{"missing port", func(c *Config) { c.Port = "" }, true},
		{"missing secret", func(c *Config) { c.JWTSecret = "" }, true},
		{"unknown store driver", func(c *Config) { c.StoreDriver = "mongo" }, true},
		{"file store without path", func(c *Config) { c.StoreDriver = StoreDriverFile }, true},
		{"file store with path", func(c *Config) { c.StoreDriver = StoreDriverFile; c.StoreFilePath = "x.json" }, false},
		{"zero char limit", func(c *Config) { c.ChatCharLimit = 0 }, true},
		{"back-office char limit", func(c *Config) { c.ChatCharLimit = 500 }, false},
		{"zero rate window", func(c *Config) { c.RateLimitWindow = 0 }, true},
		{"flood burst at rate max", func(c *Config) { c.WSEventsPerSecond = 5; c.WSEventBurst = 10 }, true},
		{"flood burst above rate max", func(c *Config) { c.WSEventsPerSecond = 5; c.WSEventBurst = 11 }, false},
		{"flood guard disabled", func(c *Config) { c.WSEventsPerSecond = 0; c.WSEventBurst = 1 }, false},
		{"empty block table", func(c *Config) { c.BlockDurations = "" }, true},
		{"decreasing block table", func(c *Config) { c.BlockDurations = "4h,2h" }, true},
		{"bad admin address", func(c *Config) { c.AdminAddresses = "not-a-wallet" }, true},
		{"production default secret", func(c *Config) { c.Env = "production"; c.JWTSecret = defaultJWTSecret }, true},
		{"production short secret", func(c *Config) { c.Env = "production"; c.JWTSecret = "short" }, true},
		{"production ssl disabled", func(c *Config) { c.Env = "prod"; c.DBSSLMode = "disable" }, true},
		{"production sqlite ignores db password", func(c *Config) {
			c.Env = "production"
			c.StoreDriver = StoreDriverSQLite
			c.SQLitePath = "chat.db"
			c.DBPassword = ""
		}, false},
		{"production valid", func(c *Config) { c.Env = "production" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)

			err := c.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_BlockSchedule(t *testing.T) {
	c := validConfig()
	c.BlockDurations = " 2h, 4h ,6h "

	schedule, err := c.BlockSchedule()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Hour, 4 * time.Hour, 6 * time.Hour}, schedule)

	c.BlockDurations = "2h,soon"
	_, err = c.BlockSchedule()
	assert.Error(t, err)
}

func TestConfig_Admins(t *testing.T) {
	c := validConfig()
	c.AdminAddresses = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed, 0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"

	admins, err := c.Admins()
	require.NoError(t, err)
	assert.Len(t, admins, 2)
	assert.Contains(t, admins, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	assert.Contains(t, admins, "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359")
}

func TestConfig_CustomWords(t *testing.T) {
	c := validConfig()
	c.ProfanityCustomWords = "rugpull, ,free mint"
	assert.Equal(t, []string{"rugpull", "free mint"}, c.CustomWords())
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	defer os.Unsetenv("APP_ENV")
	defer os.Unsetenv("DB_SSLMODE")
	defer os.Unsetenv("CHAT_CHAR_LIMIT")
	defer os.Unsetenv("RATE_LIMIT_WINDOW")
	defer os.Unsetenv("STORE_DRIVER")
	defer viper.Reset()

	os.Setenv("APP_ENV", "test")
	os.Setenv("DB_SSLMODE", "  DISABLE  ")
	os.Setenv("CHAT_CHAR_LIMIT", "500")
	os.Setenv("RATE_LIMIT_WINDOW", "20s")
	os.Setenv("STORE_DRIVER", " SQLite ")

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "disable", c.DBSSLMode)
	assert.Equal(t, 500, c.ChatCharLimit)
	assert.Equal(t, 20*time.Second, c.RateLimitWindow)
	assert.Equal(t, StoreDriverSQLite, c.StoreDriver)
	assert.Equal(t, 10, c.RateLimitMax)
	assert.Equal(t, 7*24*time.Hour, c.MessageRetention)
	assert.Greater(t, c.WSEventBurst, c.RateLimitMax)
}
