package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/HerbHall/snmpwatch/internal/snmp"
)

// EnvPrefix is prepended to every environment override, e.g.
// SNMPWATCH_TARGET_HOST.
const EnvPrefix = "SNMPWATCH"

// Settings is the fully decoded configuration.
type Settings struct {
	Target  TargetSettings  `mapstructure:"target"`
	Catalog CatalogSettings `mapstructure:"catalog"`
	Poll    PollSettings    `mapstructure:"poll"`
	Server  ServerSettings  `mapstructure:"server"`
	Store   StoreSettings   `mapstructure:"store"`
	MQTT    MQTTSettings    `mapstructure:"mqtt"`
	Log     LogSettings     `mapstructure:"log"`
}

type TargetSettings struct {
	Host           string `mapstructure:"host" validate:"required,hostname_rfc1123|ip"`
	Port           int    `mapstructure:"port" validate:"min=1,max=65535"`
	Community      string `mapstructure:"community" validate:"required"`
	Version        string `mapstructure:"version" validate:"oneof=1 v1 2c v2c 2"`
	TimeoutMS      int    `mapstructure:"timeout_ms" validate:"min=1"`
	Retries        int    `mapstructure:"retries" validate:"min=0,max=10"`
	MaxConnections int    `mapstructure:"max_connections" validate:"min=1,max=64"`
}

type CatalogSettings struct {
	Path string `mapstructure:"path"`
}

type PollSettings struct {
	// Interval of zero disables periodic polling; groups refresh only on
	// demand.
	Interval time.Duration `mapstructure:"interval" validate:"min=0"`
	// Groups adds named groups on top of the catalog's, keyed by name.
	Groups map[string][]string `mapstructure:"groups" validate:"dive,keys,required,endkeys,min=1,dive,required"`
}

type ServerSettings struct {
	Host        string  `mapstructure:"host"`
	Port        int     `mapstructure:"port" validate:"min=1,max=65535"`
	RefreshRate float64 `mapstructure:"refresh_rate" validate:"min=0"`
}

type StoreSettings struct {
	Path string `mapstructure:"path" validate:"required"`
}

type MQTTSettings struct {
	Broker   string `mapstructure:"broker" validate:"omitempty,url"`
	Topic    string `mapstructure:"topic" validate:"required_with=Broker"`
	ClientID string `mapstructure:"client_id"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("target.port", 161)
	v.SetDefault("target.version", "2c")
	v.SetDefault("target.timeout_ms", 2000)
	v.SetDefault("target.retries", 3)
	v.SetDefault("target.max_connections", 4)
	v.SetDefault("poll.interval", "0s")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.refresh_rate", 0)
	v.SetDefault("store.path", ":memory:")
	v.SetDefault("mqtt.topic", "snmpwatch")
	v.SetDefault("mqtt.client_id", "snmpwatch")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// NewViper returns a viper instance with defaults and environment
// overrides wired, reading path when it is non-empty.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{"target.host", "target.community", "catalog.path", "mqtt.broker"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Load reads, decodes, and validates the configuration.
func Load(path string) (*Settings, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return Decode(New(v))
}

// Decode unmarshals cfg into Settings and validates the result.
func Decode(cfg *Config) (*Settings, error) {
	var s Settings
	if err := cfg.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint and reports all violations.
func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// SNMPTarget converts the target section into a session target.
func (s *Settings) SNMPTarget() (snmp.Target, error) {
	version, err := snmp.ParseVersion(s.Target.Version)
	if err != nil {
		return snmp.Target{}, err
	}
	return snmp.Target{
		Host:      s.Target.Host,
		Port:      uint16(s.Target.Port),
		Community: s.Target.Community,
		Version:   version,
		Timeout:   time.Duration(s.Target.TimeoutMS) * time.Millisecond,
		Retries:   s.Target.Retries,
		MaxConns:  s.Target.MaxConnections,
	}, nil
}

// ExtraGroups returns the configured extra groups sorted by name.
func (s *Settings) ExtraGroups() []Group {
	names := make([]string, 0, len(s.Poll.Groups))
	for name := range s.Poll.Groups {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Group, 0, len(names))
	for _, name := range names {
		out = append(out, Group{Name: name, Metrics: s.Poll.Groups[name]})
	}
	return out
}

// Group is a named list of catalog metric names.
type Group struct {
	Name    string
	Metrics []string
}

// ServerAddr returns host:port for the HTTP listener.
func (s *Settings) ServerAddr() string {
	return net.JoinHostPort(s.Server.Host, strconv.Itoa(s.Server.Port))
}
