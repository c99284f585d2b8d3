// Package config provides env-tag driven configuration for nms-server and
// nms-agent: a struct with `env:"..."` tags is populated from an
// environment-variable list, with defaults encoded in the tag itself.
package config

import (
	"fmt"
	"io"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Transport holds the reliable-datagram transport tunables.
// All of them have defaults and are only ever overridden via the environment,
// never via positional CLI arguments.
type Transport struct {
	// RetransmissionTimeout is how long send() waits for an Ack before
	// retrying.
	RetransmissionTimeout time.Duration `env:"NMS_RETRANSMISSION_TIMEOUT=2s"`

	// MaxRetries is the total number of transmission attempts per send().
	MaxRetries int `env:"NMS_MAX_RETRIES=3"`

	// FlowControl is the max number of system-wide outstanding un-acked
	// packets, and the per-peer inbound queue depth at which FlowControl
	// packets are sent. Must stay well under 255 so in-flight seq numbers
	// never collide modulo 256.
	FlowControl int `env:"NMS_FLOW_CONTROL=20"`
}

// Config is the full set of environment-tunable knobs shared by nms-server
// and nms-agent. Positional CLI arguments (server/metrics-db path, server
// IP, agent ID) are never part of this struct — see cmd/nms-server and
// cmd/nms-agent.
type Config struct {
	Transport

	// DatagramAddr is where the server binds its UDP endpoint. Agents always
	// bind an ephemeral UDP port and ignore this.
	DatagramAddr netip.AddrPort `env:"NMS_DATAGRAM_ADDR=0.0.0.0:8080"`

	// AlertAddr is where the server binds its TCP alert-stream endpoint.
	AlertAddr netip.AddrPort `env:"NMS_ALERT_ADDR=0.0.0.0:9090"`

	// MetricsAddr, if non-empty, serves Prometheus text metrics over HTTP.
	MetricsAddr string `env:"NMS_METRICS_ADDR"`

	// LogLevel is the minimum zerolog level to emit.
	LogLevel zerolog.Level `env:"NMS_LOG_LEVEL=info"`

	// LogPretty switches from JSON to a human console writer.
	LogPretty bool `env:"NMS_LOG_PRETTY=true"`
}

// Default returns a Config with every default value applied, as if no
// environment variables were set.
func Default() Config {
	var c Config
	if err := c.UnmarshalEnv(nil); err != nil {
		panic("config: default config failed to parse: " + err.Error())
	}
	return c
}

// UnmarshalEnv unmarshals the "NMS_"-prefixed entries of es (each formatted
// "KEY=value", as from os.Environ or go-envparse) into c, applying the
// default encoded in each field's env tag for anything not present in es.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok && strings.HasPrefix(k, "NMS_") {
			em[k] = v
		}
	}
	return unmarshalStruct(reflect.ValueOf(c).Elem(), em)
}

func unmarshalStruct(cv reflect.Value, em map[string]string) error {
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		if ctf.Type.Kind() == reflect.Struct && ctf.Tag.Get("env") == "" {
			if err := unmarshalStruct(cv.FieldByIndex(ctf.Index), em); err != nil {
				return err
			}
			continue
		}

		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}
		key, val, _ := strings.Cut(env, "=")
		if v, exists := em[key]; exists {
			val = v
		}

		cvf := cv.FieldByIndex(ctf.Index)
		if err := setField(cvf, key, val); err != nil {
			return err
		}
	}
	return nil
}

func setField(cvf reflect.Value, key, val string) error {
	switch cvf.Interface().(type) {
	case string:
		cvf.SetString(val)
	case int, int8, int16, int32, int64:
		if val == "" {
			cvf.SetInt(0)
			return nil
		}
		v, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("env %s: parse %q: %w", key, val, err)
		}
		cvf.SetInt(v)
	case bool:
		if val == "" {
			cvf.SetBool(false)
			return nil
		}
		v, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("env %s: parse %q: %w", key, val, err)
		}
		cvf.SetBool(v)
	case time.Duration:
		if val == "" {
			cvf.Set(reflect.ValueOf(time.Duration(0)))
			return nil
		}
		v, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("env %s: parse %q: %w", key, val, err)
		}
		cvf.Set(reflect.ValueOf(v))
	case netip.AddrPort:
		if val == "" {
			cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			return nil
		}
		v, err := netip.ParseAddrPort(val)
		if err != nil {
			return fmt.Errorf("env %s: parse %q: %w", key, val, err)
		}
		cvf.Set(reflect.ValueOf(v))
	case zerolog.Level:
		if val == "" {
			cvf.Set(reflect.ValueOf(zerolog.InfoLevel))
			return nil
		}
		v, err := zerolog.ParseLevel(val)
		if err != nil {
			return fmt.Errorf("env %s: parse %q: %w", key, val, err)
		}
		cvf.Set(reflect.ValueOf(v))
	default:
		return fmt.Errorf("config: unhandled field type %s for env %s", cvf.Type(), key)
	}
	return nil
}

// NewLogger builds a zerolog.Logger per c's LogLevel/LogPretty, switching
// between a pretty console writer and structured JSON output.
func (c Config) NewLogger(w io.Writer) zerolog.Logger {
	var out io.Writer = w
	if c.LogPretty {
		out = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(out).Level(c.LogLevel).With().Timestamp().Logger()
}
