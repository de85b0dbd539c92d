package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/joho/godotenv"

	"github.com/mqy/minichat/blob"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

const (
	storeBolt = "bolt"
	storeJson = "json"

	maxHistoryLimit = 10000
)

type config struct {
	addr         string
	pidFile      string
	dataDir      string
	store        string
	historyLimit int

	uploadsDir     string
	maxUploadBytes int64
	staticDir      string
	allowedOrigins string
	sendBuffer     int

	kafkaBrokers string
	kafkaTopic   string

	disableMetrics bool
}

// loadDotEnv reads an optional .env file into the environment, existing
// variables are kept.
func loadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil && !os.IsNotExist(err) {
		glog.Errorf("error load .env: %v", err)
	}
}

// registerFlags binds flags to c, defaults come from the environment.
func registerFlags(fs *flag.FlagSet, c *config) {
	fs.StringVar(&c.addr, "addr", envString("CHAT_ADDR", "127.0.0.1:3000"), "server address, ip:port")
	fs.StringVar(&c.pidFile, "pid-file", envString("CHAT_PID_FILE", "minichat.pid"), "pid file")
	fs.StringVar(&c.dataDir, "data-dir", envString("CHAT_DATA_DIR", "data"), "dir of the message log")
	fs.StringVar(&c.store, "store", envString("CHAT_STORE", storeBolt), "message log format: bolt or json")
	fs.IntVar(&c.historyLimit, "history-limit", envInt("CHAT_HISTORY_LIMIT", store.DefaultCapacity), "number of messages kept in history")

	fs.StringVar(&c.uploadsDir, "uploads-dir", envString("CHAT_UPLOADS_DIR", "uploads"), "dir of uploaded files")
	fs.Int64Var(&c.maxUploadBytes, "max-upload-bytes", int64(envInt("CHAT_MAX_UPLOAD_BYTES", blob.DefaultMaxBytes)), "max size of an uploaded file")
	fs.StringVar(&c.staticDir, "static-dir", envString("CHAT_STATIC_DIR", ""), "dir of the web client, empty to disable")
	fs.StringVar(&c.allowedOrigins, "allowed-origins", envString("CHAT_ALLOWED_ORIGINS", "*"), "comma separated allowed origins")
	fs.IntVar(&c.sendBuffer, "send-buffer", envInt("CHAT_SEND_BUFFER", ws.DefaultSendBuffer), "outbound buffer size per connection")

	fs.StringVar(&c.kafkaBrokers, "kafka-brokers", envString("CHAT_KAFKA_BROKERS", ""), "comma separated kafka brokers, empty to disable the relay")
	fs.StringVar(&c.kafkaTopic, "kafka-topic", envString("CHAT_KAFKA_TOPIC", "minichat-messages"), "kafka topic of the relay")

	fs.BoolVar(&c.disableMetrics, "disable-metrics", envBool("CHAT_DISABLE_METRICS", false), "disable prometheus metrics")
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		glog.Errorf("env %s: invalid integer %q, use default %d", key, v, def)
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		glog.Errorf("env %s: invalid bool %q, use default %v", key, v, def)
		return def
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (c *config) validate() int {
	if c.addr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(c.addr); err != nil {
		return errorf("--addr: %v", err)
	}
	if c.pidFile == "" {
		return errorf("--pid-file is required")
	}
	if c.dataDir == "" {
		return errorf("--data-dir is required")
	}
	if c.store != storeBolt && c.store != storeJson {
		return errorf("invalid --store `%s`, expect %s or %s", c.store, storeBolt, storeJson)
	}
	if c.historyLimit < 1 || c.historyLimit > maxHistoryLimit {
		return errorf("invalid --history-limit, expect in range [1, %d]", maxHistoryLimit)
	}
	if c.uploadsDir == "" {
		return errorf("--uploads-dir is required")
	}
	if c.maxUploadBytes <= 0 {
		return errorf("--max-upload-bytes is required positive integer")
	}
	if c.sendBuffer < 1 {
		return errorf("--send-buffer is required positive integer")
	}
	if c.staticDir != "" {
		if _, err := os.Stat(c.staticDir); err != nil {
			return errorf("error stat static dir `%s`: %v", c.staticDir, err)
		}
	}
	if len(splitList(c.kafkaBrokers)) > 0 && c.kafkaTopic == "" {
		return errorf("--kafka-topic is required with --kafka-brokers")
	}
	return 0
}

// validateAddr accepts `:port` or `ip:port`.
func validateAddr(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port `%s`", port)
	}
	if host != "" && net.ParseIP(host) == nil {
		return fmt.Errorf("error parse IP from host `%s`", host)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}
