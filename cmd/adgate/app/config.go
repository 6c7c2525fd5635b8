// Copyright 2025, adgate authors. All rights reserved.
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

	"github.com/adgate/adgate/pkg/logging"
)

const (
	defaultReqIntervalS = 60
)

type ServerConfig struct {
	LogFormat string `json:"logformat"`
	LogLevel  string `json:"loglevel"`
	Port      int    `json:"port"`
	// TimeoutS is the overall request deadline in seconds.
	TimeoutS int `json:"timeout"`
	// Host is the externally visible scheme-less host[:port] used when
	// rendering absolute URLs (interstitial asset lists). Empty means
	// the incoming request's Host header is used.
	Host string `json:"host"`

	RedisAddr     string `json:"redisaddr"`
	RedisPassword string `json:"redispassword"`
	RedisDB       int    `json:"redisdb"`

	// DBDriver is sqlite or postgres. An empty sqlite DSN gives a
	// shared in-memory catalog, useful for demos and tests.
	DBDriver string `json:"dbdriver"`
	DBDSN    string `json:"dbdsn"`

	// VASTServiceURL points at the external VAST parser service.
	// Empty disables the VAST stage of the decision waterfall.
	VASTServiceURL string `json:"vastserviceurl"`

	// SegmentKeyFile holds one or two newline-separated HMAC keys
	// (current, previous) for ad segment URL signing. Empty disables
	// signing and ad segment redirects.
	SegmentKeyFile string `json:"segmentkeyfile"`

	// FallbackSlateURL is the last-resort interstitial asset when a
	// channel has no slate configured.
	FallbackSlateURL string `json:"fallbackslateurl"`

	JWTSecret        string `json:"jwtsecret"`
	JWTPublicKeyFile string `json:"jwtpublickeyfile"`
	JWTIssuer        string `json:"jwtissuer"`
	JWTAudience      string `json:"jwtaudience"`

	MaxRequests int `json:"maxrequests"`
	// ReqLimitInt is the request limiter interval in seconds.
	ReqLimitInt int `json:"reqlimitint"`

	// SchedulerOn controls the time-based break scheduler.
	SchedulerOn bool `json:"scheduleron"`

	Domains  string `json:"domains"`
	CertPath string `json:"certpath"`
	KeyPath  string `json:"keypath"`
}

var DefaultConfig = ServerConfig{
	LogFormat:   "text",
	LogLevel:    "info",
	Port:        8080,
	TimeoutS:    5,
	RedisAddr:   "localhost:6379",
	DBDriver:    "sqlite",
	SchedulerOn: true,
}

// LoadConfig loads defaults, config file, command line, and finally applies environment variables.
//
// Relative key file paths are resolved against cwd.
func LoadConfig(args []string, cwd string) (*ServerConfig, error) {
	// First set default values
	k := koanf.New(".")
	defaults := DefaultConfig
	k.Load(structs.Provider(defaults, "json"), nil)

	f := pflag.NewFlagSet("adgate", pflag.ContinueOnError)
	f.Usage = func() {
		parts := strings.Split(args[0], "/")
		name := parts[len(parts)-1]
		fmt.Fprintf(os.Stderr, "Run as %s [options]:\n", name)
		f.PrintDefaults()
	}
	// Path to a config file to load into koanf along with some config params.
	cfgFile := f.String("cfg", "", "path to a JSON config file")
	f.Int("port", k.Int("port"), "HTTP port")
	lf := strings.Join(logging.LogFormats, ", ")
	f.String("logformat", k.String("logformat"), fmt.Sprintf("log format [%s]", lf))
	ll := strings.Join(logging.LogLevels, ", ")
	f.String("loglevel", k.String("loglevel"), fmt.Sprintf("log level [%s]", ll))
	f.Int("timeout", k.Int("timeout"), "overall request deadline (seconds)")
	f.String("host", k.String("host"), "external host[:port] for absolute URLs")
	f.String("redisaddr", k.String("redisaddr"), "Redis address (host:port) for the shared state store")
	f.String("redispassword", k.String("redispassword"), "Redis password")
	f.Int("redisdb", k.Int("redisdb"), "Redis database number")
	f.String("dbdriver", k.String("dbdriver"), "catalog driver [sqlite, postgres]")
	f.String("dbdsn", k.String("dbdsn"), "catalog DSN")
	f.String("vastserviceurl", k.String("vastserviceurl"), "external VAST parser service URL")
	f.String("segmentkeyfile", k.String("segmentkeyfile"), "HMAC key file for ad segment URL signing")
	f.String("fallbackslateurl", k.String("fallbackslateurl"), "default slate playlist URL")
	f.String("jwtsecret", k.String("jwtsecret"), "HS256 secret for viewer tokens")
	f.String("jwtpublickeyfile", k.String("jwtpublickeyfile"), "RS256 PEM public key file for viewer tokens")
	f.String("jwtissuer", k.String("jwtissuer"), "required iss claim (empty = not checked)")
	f.String("jwtaudience", k.String("jwtaudience"), "required aud claim (empty = not checked)")
	f.Int("maxrequests", k.Int("maxrequests"), "max requests per IP and interval (0 = no limit)")
	f.Int("reqlimitint", k.Int("reqlimitint"), "interval for request limit (seconds)")
	f.Bool("scheduleron", k.Bool("scheduleron"), "run the time-based break scheduler")
	f.String("domains", k.String("domains"), "One or more DNS domains (comma-separated) for auto certificate via Let's Encrypt")
	f.String("certpath", k.String("certpath"), "path to TLS certificate file (if no automatic certificates)")
	f.String("keypath", k.String("keypath"), "path to TLS private key file (if no automatic certificates)")
	if err := f.Parse(args[1:]); err != nil {
		return nil, fmt.Errorf("command line parse: %w", err)
	}

	// Load the config file provided on the command line.
	if *cfgFile != "" {
		cf := file.Provider(*cfgFile)
		if err := k.Load(cf, json.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	// Possibly override config file with commandline parameters
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("parsing cli: %v", err)
	}

	// Overload with environment variables
	k.Load(env.Provider("ADGATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "ADGATE_")), "_", ".", -1)
	}), nil)

	// Make key file paths absolute in case they are not already
	fileKeys := map[string]string{
		"segmentkeyfile":   k.String("segmentkeyfile"),
		"jwtpublickeyfile": k.String("jwtpublickeyfile"),
	}
	for key, p := range fileKeys {
		if p != "" && !path.IsAbs(p) {
			k.Load(confmap.Provider(map[string]any{
				key: path.Join(cwd, p),
			}, "."), nil)
		}
	}

	// Unmarshal into cfg
	var cfg ServerConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if cfg.ReqLimitInt == 0 {
		cfg.ReqLimitInt = defaultReqIntervalS
	}
	if cfg.Domains != "" {
		cfg.Port = 443
	}

	return &cfg, nil
}
