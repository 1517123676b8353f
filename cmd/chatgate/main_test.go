package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/middleware"
	"chatgate/internal/models"
	"chatgate/internal/moderation"
	"chatgate/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "cmd-test-secret-0123456789abcdef0123"

func testEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "test")
	t.Setenv("JWT_SECRET", testSecret)
}

func TestTokenCommand(t *testing.T) {
	testEnv(t)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--address", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "--ttl", "1h"})
	require.NoError(t, rootCmd.Execute())

	addr, err := middleware.ParseWalletToken(testSecret, strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", addr)
}

func TestTokenCommand_RejectsBadAddress(t *testing.T) {
	testEnv(t)

	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"token", "--address", "not-a-wallet", "--ttl", "1h"})
	assert.ErrorIs(t, rootCmd.Execute(), models.ErrInvalidAddress)
}

func TestExportCommand_WritesOldestFirst(t *testing.T) {
	testEnv(t)
	dir := t.TempDir()
	storePath := filepath.Join(dir, "messages.json")
	outPath := filepath.Join(dir, "export.jsonl")
	t.Setenv("STORE_DRIVER", config.StoreDriverFile)
	t.Setenv("STORE_FILE_PATH", storePath)

	fs, err := repository.NewFileStore(storePath)
	require.NoError(t, err)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, text := range []string{"first", "second", "third"} {
		require.NoError(t, fs.Append(context.Background(), &models.ChatMessage{
			ID:            repository.NewMessageID(),
			SenderAddress: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
			DisplayName:   "tester",
			Text:          text,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, fs.Close())

	rootCmd.SetArgs([]string{"export", "--out", outPath})
	require.NoError(t, rootCmd.Execute())

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()

	var texts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var msg models.ChatMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		texts = append(texts, msg.Text)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"first", "second", "third"}, texts)
}

func TestBuildModeration(t *testing.T) {
	words := filepath.Join(t.TempDir(), "words.yaml")
	require.NoError(t, os.WriteFile(words, []byte("words:\n  - grifter\n"), 0o600))

	cfg := &config.Config{
		ChatCharLimit:         42,
		RateLimitWindow:       time.Minute,
		RateLimitMax:          10,
		RateMuteDuration:      30 * time.Second,
		ProfanityMuteDuration: 10 * time.Second,
		ProfanityCooldown:     7 * 24 * time.Hour,
		ProfanityCustomWords:  "rugpull",
		ProfanityWordsFile:    words,
		BlockDurations:        "2h,4h,6h",
		BlockStep:             2 * time.Hour,
		RateAbuseThreshold:    3,
		RateAbuseReset:        10 * time.Minute,
		TrackerMaxSenders:     100,
	}

	validator, tracker, err := buildModeration(cfg)
	require.NoError(t, err)
	require.NotNil(t, tracker)

	now := time.Now()
	for _, text := range []string{"total rugpull", "what a grifter"} {
		d := validator.Validate(moderation.Input{Text: text, Sender: "0xabc", Now: now})
		assert.True(t, d.Accepted, text)
		assert.NotEqual(t, text, d.Text, "custom terms are redacted")
	}

	cfg.ProfanityWordsFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, _, err = buildModeration(cfg)
	assert.Error(t, err)
}

func TestWriteJSONLines_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSONLines(&buf, nil))
	assert.Empty(t, buf.String())
}
