// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/pflag"

	"github.com/stitchd/stitchd/pkg/logging"
)

const (
	defaultPort           = 8888
	defaultTimeoutS       = 5
	defaultSegmentSignTTL = 300
)

// ServerConfig is the gateway configuration: defaults, optional JSON config
// file, command line, then STITCHD_* environment variables, later layers
// winning.
type ServerConfig struct {
	LogFormat string `json:"logformat"`
	LogLevel  string `json:"loglevel"`
	Port      int    `json:"port"`
	// TimeoutS is the hard overall deadline for a manifest request.
	TimeoutS int `json:"timeoutS"`

	// ChannelsFile is the JSON channel configuration read through from the
	// admin store.
	ChannelsFile string `json:"channelsfile"`

	// StateStore selects the ad-break state backend: memory or redis.
	StateStore string `json:"statestore"`
	RedisAddr  string `json:"redisaddr"`

	// Segment signing secrets; previous tolerates key rotation.
	SegmentSecret         string `json:"segmentsecret"`
	SegmentSecretPrevious string `json:"segmentsecretprevious"`
	SegmentSignTTLS       int    `json:"segmentsignttlS"`

	// Viewer JWT verification; either may be empty.
	JWTHSSecret    string `json:"jwthssecret"`
	JWTRSPublicKey string `json:"jwtrspublickey"`

	// VASTEndpoint is the external VAST parser service; empty disables the
	// VAST rung of the decision waterfall.
	VASTEndpoint string `json:"vastendpoint"`

	// Per-IP request limiting; 0 disables.
	MaxRequests     int    `json:"maxrequests"`
	ReqLimitIntS    int    `json:"reqlimitintS"`
	ReqLimitLog     string `json:"reqlimitlog"`
	WhiteListBlocks string `json:"whitelistblocks"`

	// TLS: Let's Encrypt domains, or a cert/key pair.
	Domains  string `json:"domains"`
	CertPath string `json:"-"`
	KeyPath  string `json:"-"`

	// Host overrides the autodetected scheme://host used in asset-list and
	// signed segment URLs.
	Host string `json:"host"`
}

var DefaultConfig = ServerConfig{
	LogFormat:       "text",
	LogLevel:        "INFO",
	Port:            defaultPort,
	TimeoutS:        defaultTimeoutS,
	ChannelsFile:    "./channels.json",
	StateStore:      "memory",
	RedisAddr:       "localhost:6379",
	SegmentSignTTLS: defaultSegmentSignTTL,
	ReqLimitIntS:    24 * 3600,
}

// LoadConfig loads defaults, config file, command line, and finally applies
// environment variables.
func LoadConfig(args []string, cwd string) (*ServerConfig, error) {
	k := koanf.New(".")
	defaults := DefaultConfig
	err := k.Load(structs.Provider(defaults, "json"), nil)
	if err != nil {
		return nil, err
	}

	f := pflag.NewFlagSet("stitchd", pflag.ContinueOnError)
	f.Usage = func() {
		parts := strings.Split(args[0], "/")
		name := parts[len(parts)-1]
		fmt.Fprintf(os.Stderr, "Run as %s [options]:\n", name)
		f.PrintDefaults()
	}
	cfgFile := f.String("cfg", "", "path to a JSON config file")
	f.Int("port", k.Int("port"), "HTTP port")
	lf := strings.Join(logging.LogFormats, ", ")
	f.String("logformat", k.String("logformat"), fmt.Sprintf("log format [%s]", lf))
	ll := strings.Join(logging.LogLevels, ", ")
	f.String("loglevel", k.String("loglevel"), fmt.Sprintf("log level [%s]", ll))
	f.Int("timeout", k.Int("timeoutS"), "overall deadline for a manifest request (seconds)")
	f.String("channelsfile", k.String("channelsfile"), "path to the JSON channels file")
	f.String("statestore", k.String("statestore"), "ad-break state store backend [memory, redis]")
	f.String("redisaddr", k.String("redisaddr"), "redis address for state store and beacon queue")
	f.String("segmentsecret", k.String("segmentsecret"), "current segment signing secret")
	f.String("segmentsecretprevious", k.String("segmentsecretprevious"), "previous segment signing secret (rotation)")
	f.Int("segmentsignttl", k.Int("segmentsignttlS"), "signed segment URL lifetime (seconds)")
	f.String("jwthssecret", k.String("jwthssecret"), "HS256 secret for viewer tokens")
	f.String("jwtrspublickey", k.String("jwtrspublickey"), "PEM RS256 public key for viewer tokens")
	f.String("vastendpoint", k.String("vastendpoint"), "URL of the external VAST parser service")
	f.Int("maxrequests", k.Int("maxrequests"), "max nr of requests per IP address per interval")
	f.Int("reqlimitint", k.Int("reqlimitintS"), "interval for request limit in seconds")
	f.String("reqlimitlog", k.String("reqlimitlog"), "path to request limit log file")
	f.String("whitelistblocks", k.String("whitelistblocks"), "comma-separated list of CIDR blocks that are not rate limited")
	f.String("domains", k.String("domains"), "one or more DNS domains (comma-separated) for auto certificate from Let's Encrypt")
	f.String("certpath", k.String("certpath"), "path to TLS certificate file (for HTTPS)")
	f.String("keypath", k.String("keypath"), "path to TLS private key file (for HTTPS)")
	f.String("host", k.String("host"), "host (scheme://host) used in generated URLs; overrides auto-detection")
	if err := f.Parse(args[1:]); err != nil {
		return nil, fmt.Errorf("command line parse: %w", err)
	}

	if *cfgFile != "" {
		cf := file.Provider(*cfgFile)
		if err := k.Load(cf, json.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("parsing cli: %v", err)
	}
	// Flags whose names differ from their config keys.
	for flagName, key := range map[string]string{
		"timeout":        "timeoutS",
		"segmentsignttl": "segmentsignttlS",
		"reqlimitint":    "reqlimitintS",
	} {
		if f.Changed(flagName) {
			if err := k.Load(confmap.Provider(map[string]any{key: k.Int(flagName)}, "."), nil); err != nil {
				return nil, err
			}
		}
	}

	err = k.Load(env.Provider("STITCHD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "STITCHD_")), "_", ".", -1)
	}), nil)
	if err != nil {
		return nil, err
	}

	if err := checkTLSParams(k); err != nil {
		return nil, err
	}
	switch k.String("statestore") {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("statestore %q not known", k.String("statestore"))
	}

	// Make the channels file path absolute.
	channelsFile := k.String("channelsfile")
	if channelsFile != "" && !path.IsAbs(channelsFile) {
		err = k.Load(confmap.Provider(map[string]any{
			"channelsfile": path.Join(cwd, channelsFile),
		}, "."), nil)
		if err != nil {
			return nil, err
		}
	}

	if k.String("domains") != "" {
		err = k.Load(confmap.Provider(map[string]any{
			"port": 443,
		}, "."), nil)
		if err != nil {
			return nil, err
		}
	}

	var cfg ServerConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func checkTLSParams(k *koanf.Koanf) error {
	domains := k.String("domains")
	certPath := k.String("certpath")
	keyPath := k.String("keypath")
	switch {
	case domains != "":
		if certPath != "" || keyPath != "" {
			return fmt.Errorf("cannot use certpath and keypath together with Let's Encrypt domains")
		}
		return nil
	case certPath == "" && keyPath == "":
		return nil // HTTP
	case certPath != "" && keyPath != "":
		return nil // HTTPS
	default:
		return fmt.Errorf("certpath and keypath must both be empty or set")
	}
}
