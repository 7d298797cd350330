package model

import (
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int        `json:"version"` // fixed 0 for now
	Server    Server     `json:"server"`
	Auth      Auth       `json:"auth"`
	Jobs      Jobs       `json:"jobs"`
	Pool      Pool       `json:"pool"`
	Sessions  Sessions   `json:"sessions"`
	Data      Data       `json:"data"`
	Schedules []Schedule `json:"schedules,omitempty"`
	Verbose   bool       `json:"verbose,omitempty"`
}

type Server struct {
	Listen       string `json:"listen"`            // host:port
	TLSCert      string `json:"tlsCert,omitempty"` // empty pair => plain HTTP
	TLSKey       string `json:"tlsKey,omitempty"`
	PingInterval string `json:"pingInterval"` // transport ping cycle, both populations
}

type Auth struct {
	JWTSecret string `json:"jwtSecret"` // HMAC key for user session tokens
	RunnerKey string `json:"runnerKey"` // pre-shared runner key, compared for exact equality
}

type Jobs struct {
	PerUserCap  int    `json:"perUserCap"`
	StopGrace   string `json:"stopGrace"`  // stop-acknowledgment fallback delay
	CreateWait  string `json:"createWait"` // wait after stopping a user's previous job
	SnapshotDir string `json:"snapshotDir,omitempty"`
}

type Pool struct {
	Strategy string `json:"strategy"` // random | roundrobin | lru
}

type Sessions struct {
	GracePeriod string `json:"gracePeriod"`
	CleanEvery  string `json:"cleanEvery"`
}

type Data struct {
	Root         string `json:"root"` // per-user dataset files live below here
	HistoryDB    string `json:"historyDB"`
	Fingerprints string `json:"fingerprints,omitempty"` // master fingerprint catalog
}

// Schedule creates a job for a user on a cron expression.
type Schedule struct {
	Name   string      `json:"name"`
	Cron   string      `json:"cron"`
	UserID string      `json:"userId"`
	Refs   DatasetRefs `json:"refs"`
}

// LoadConfig validates YAML from r against the CUE schema and decodes it.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig mirrors the defaults of the CUE schema, used when no
// config file exists yet.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Server: Server{
			Listen:       ":5252",
			PingInterval: "15s",
		},
		Auth: Auth{
			JWTSecret: "fallback-secret",
			RunnerKey: "default-runner-key-CHANGE-ME",
		},
		Jobs: Jobs{
			PerUserCap: 1,
			StopGrace:  "500ms",
			CreateWait: "2s",
		},
		Pool: Pool{
			Strategy: "random",
		},
		Sessions: Sessions{
			GracePeriod: "5m",
			CleanEvery:  "2m",
		},
		Data: Data{
			Root:      "data",
			HistoryDB: "data/history.db",
		},
	}
}
