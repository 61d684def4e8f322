package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Routing     RoutingConfig     `yaml:"routing"`
	Payment     PaymentConfig     `yaml:"payment"`
	Quorum      QuorumConfig      `yaml:"quorum"`
	Network     NetworkConfig     `yaml:"network"`
	Replication ReplicationConfig `yaml:"replication"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap"`
}

type NodeConfig struct {
	Address string `yaml:"address" validate:"required"`
	// AdvertiseAddress is what peers dial; defaults to Address.
	AdvertiseAddress string            `yaml:"advertise_address"`
	DataDir          string            `yaml:"data_dir" validate:"required_without=InMemory"`
	InMemory         bool              `yaml:"in_memory"`
	StorageCapacity  datasize.ByteSize `yaml:"storage_capacity" validate:"gt=0"`
	MaxRecords       int               `yaml:"max_records" validate:"gte=0"`
	// IdentitySeed is a hex ed25519 seed. Empty means a fresh identity on
	// every start.
	IdentitySeed   string   `yaml:"identity_seed" validate:"omitempty,hexadecimal,len=64"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
}

type RoutingConfig struct {
	K                int           `yaml:"k" validate:"gte=1,lte=64"`
	BucketSize       int           `yaml:"bucket_size" validate:"gte=1"`
	StaleAfter       int           `yaml:"stale_after" validate:"gte=1"`
	EvictAfter       int           `yaml:"evict_after" validate:"gte=1"`
	LivenessInterval time.Duration `yaml:"liveness_interval" validate:"gt=0"`
}

type PaymentConfig struct {
	MinPrice      uint64        `yaml:"min_price" validate:"gt=0"`
	MaxPrice      uint64        `yaml:"max_price" validate:"gtefield=MinPrice"`
	Tolerance     float64       `yaml:"tolerance" validate:"gte=0,lt=1"`
	QuoteValidity time.Duration `yaml:"quote_validity" validate:"gt=0"`
	SeenRetention time.Duration `yaml:"seen_retention" validate:"gt=0"`
}

type QuorumConfig struct {
	// Threshold of 0 means a majority of K.
	Threshold     int           `yaml:"threshold" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	RetryRounds   int           `yaml:"retry_rounds" validate:"gte=0"`
	RetryDelay    time.Duration `yaml:"retry_delay" validate:"gt=0"`
	MaxAlternates int           `yaml:"max_alternates" validate:"gte=0"`
}

type NetworkConfig struct {
	RPCTimeout         time.Duration `yaml:"rpc_timeout" validate:"gt=0"`
	MaxRetries         int           `yaml:"max_retries" validate:"gte=0"`
	BaseDelay          time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay           time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	JitterFactor       float64       `yaml:"jitter_factor" validate:"gte=0,lte=1"`
	MaxInFlightPerPeer int           `yaml:"max_in_flight_per_peer" validate:"gte=1"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	FailureThreshold   int           `yaml:"failure_threshold" validate:"gte=1"`
	Cooldown           time.Duration `yaml:"cooldown" validate:"gt=0"`
}

type ReplicationConfig struct {
	Workers        int           `yaml:"workers" validate:"gte=1"`
	QueueSize      int           `yaml:"queue_size" validate:"gte=1"`
	RepairInterval time.Duration `yaml:"repair_interval" validate:"gt=0"`
	OfferBatch     int           `yaml:"offer_batch" validate:"gte=1"`
}

type BootstrapConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	// After IdleAfter without a new peer the interval drops to SlowInterval.
	IdleAfter    time.Duration `yaml:"idle_after" validate:"gt=0"`
	SlowInterval time.Duration `yaml:"slow_interval" validate:"gt=0"`
}

// Default returns a configuration for a single node on localhost.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Address:         ":7100",
			DataDir:         "./data",
			StorageCapacity: 1 * datasize.GB,
		},
		Routing: RoutingConfig{
			K:                5,
			BucketSize:       20,
			StaleAfter:       3,
			EvictAfter:       3,
			LivenessInterval: 5 * time.Second,
		},
		Payment: PaymentConfig{
			MinPrice:      10,
			MaxPrice:      10000,
			Tolerance:     0.1,
			QuoteValidity: 5 * time.Minute,
			SeenRetention: 24 * time.Hour,
		},
		Quorum: QuorumConfig{
			Timeout:       10 * time.Second,
			RetryRounds:   2,
			RetryDelay:    200 * time.Millisecond,
			MaxAlternates: 2,
		},
		Network: NetworkConfig{
			RPCTimeout:         3 * time.Second,
			MaxRetries:         2,
			BaseDelay:          100 * time.Millisecond,
			MaxDelay:           2 * time.Second,
			JitterFactor:       0.1,
			MaxInFlightPerPeer: 16,
			IdleTimeout:        5 * time.Minute,
			FailureThreshold:   5,
			Cooldown:           30 * time.Second,
		},
		Replication: ReplicationConfig{
			Workers:        4,
			QueueSize:      1024,
			RepairInterval: time.Minute,
			OfferBatch:     256,
		},
		Bootstrap: BootstrapConfig{
			Interval:     5 * time.Second,
			IdleAfter:    180 * time.Second,
			SlowInterval: 300 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies SWARMSTORE_* overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the most commonly tuned settings from the environment.
func (c *Config) ApplyEnv() error {
	c.Node.Address = getEnv("SWARMSTORE_ADDRESS", c.Node.Address)
	c.Node.AdvertiseAddress = getEnv("SWARMSTORE_ADVERTISE_ADDRESS", c.Node.AdvertiseAddress)
	c.Node.DataDir = getEnv("SWARMSTORE_DATA_DIR", c.Node.DataDir)
	c.Node.IdentitySeed = getEnv("SWARMSTORE_IDENTITY_SEED", c.Node.IdentitySeed)

	if v := os.Getenv("SWARMSTORE_STORAGE_CAPACITY"); v != "" {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid SWARMSTORE_STORAGE_CAPACITY %q: %w", v, err)
		}
		c.Node.StorageCapacity = size
	}
	if v := os.Getenv("SWARMSTORE_BOOTSTRAP_PEERS"); v != "" {
		// Comma-separated: host1:7100,host2:7100
		c.Node.BootstrapPeers = nil
		for _, peer := range strings.Split(v, ",") {
			if peer = strings.TrimSpace(peer); peer != "" {
				c.Node.BootstrapPeers = append(c.Node.BootstrapPeers, peer)
			}
		}
	}
	if v := os.Getenv("SWARMSTORE_K"); v != "" {
		k, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SWARMSTORE_K %q: %w", v, err)
		}
		c.Routing.K = k
	}
	return nil
}

// Validate checks field constraints and the relations between them.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Quorum.Threshold > c.Routing.K {
		return fmt.Errorf("invalid config: quorum threshold %d exceeds k=%d", c.Quorum.Threshold, c.Routing.K)
	}
	return nil
}

// Advertise is the address peers should dial.
func (c *NodeConfig) Advertise() string {
	if c.AdvertiseAddress != "" {
		return c.AdvertiseAddress
	}
	return c.Address
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
