package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env"`

	Log struct {
		Level    string `yaml:"level"`    // debug | info | warn | error
		Encoding string `yaml:"encoding"` // json | console
	} `yaml:"log"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	MySQL struct {
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
		ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
	} `yaml:"mysql"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Database int    `yaml:"database"`
	} `yaml:"redis"`

	RocketMQ struct {
		NameServer     string `yaml:"name_server"`
		AccessKey      string `yaml:"access_key"`
		SecretKey      string `yaml:"secret_key"`
		ConsumerGroup  string `yaml:"consumer_group"`
		ProducerGroup  string `yaml:"producer_group"`
		IndexerGroup   string `yaml:"indexer_group"`
		InboundTopic   string `yaml:"inbound_topic"`
		PersistedTopic string `yaml:"persisted_topic"`
		DeletedTopic   string `yaml:"deleted_topic"`
		DeadTopic      string `yaml:"dead_topic"`
		Tag            string `yaml:"tag,omitempty"`
		BatchSize      int    `yaml:"batch_size"`
	} `yaml:"rocketmq"`

	Pipeline struct {
		MaxAttempts    int           `yaml:"max_attempts"`    // deliveries before dead-lettering a failing event
		PersistTimeout time.Duration `yaml:"persist_timeout"` // deadline of one persist attempt
		PublishTimeout time.Duration `yaml:"publish_timeout"`
		Workers        int           `yaml:"workers"` // concurrent conversations within one batch
		DrainTimeout   time.Duration `yaml:"drain_timeout"`
	} `yaml:"pipeline"`

	Outbox struct {
		Tick  time.Duration `yaml:"tick"`
		Batch int           `yaml:"batch"`
		Grace time.Duration `yaml:"grace"` // head start of the direct publish before the relay picks a row
	} `yaml:"outbox"`

	Breaker struct {
		Enabled   bool          `yaml:"enabled"`
		Threshold int           `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
	} `yaml:"breaker"`

	TTL struct {
		Scheduler  string        `yaml:"scheduler"` // redis | timer
		KeyPrefix  string        `yaml:"key_prefix"`
		SweepEvery time.Duration `yaml:"sweep_every"`
		SweepBatch int           `yaml:"sweep_batch"`
	} `yaml:"ttl"`

	Query struct {
		DefaultLimit int `yaml:"default_limit"`
		MaxLimit     int `yaml:"max_limit"`
	} `yaml:"query"`

	Elastic struct {
		URL      string `yaml:"url"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Index    string `yaml:"index"`
	} `yaml:"elastic"`

	MachineID uint16 `yaml:"machine_id"` // sonyflake machine id; 0 = derive from private IP
}

// Load supports comma-separated config files: "-c common.yml,im-msg.yml".
// Later files override earlier ones (successive unmarshal into the same struct).
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,im-msg.yml)")
	}

	var c Config
	paths := strings.Split(pathList, ",")
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "json"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":2112"
	}
	if c.MySQL.MaxOpenConns <= 0 {
		c.MySQL.MaxOpenConns = 50
	}
	if c.MySQL.MaxIdleConns <= 0 {
		c.MySQL.MaxIdleConns = 25
	}
	if c.MySQL.ConnMaxLife == 0 {
		c.MySQL.ConnMaxLife = 30 * time.Minute
	}
	if c.MySQL.ConnMaxIdle == 0 {
		c.MySQL.ConnMaxIdle = 5 * time.Minute
	}

	rq := &c.RocketMQ
	if rq.ConsumerGroup == "" {
		rq.ConsumerGroup = "im_msg_persist"
	}
	if rq.ProducerGroup == "" {
		rq.ProducerGroup = "im_msg_producer"
	}
	if rq.IndexerGroup == "" {
		rq.IndexerGroup = "im_msg_indexer"
	}
	// RocketMQ topic names allow only [%|a-zA-Z0-9_-].
	if rq.InboundTopic == "" {
		rq.InboundTopic = "chat_messages"
	}
	if rq.PersistedTopic == "" {
		rq.PersistedTopic = "chat_message_persisted"
	}
	if rq.DeletedTopic == "" {
		rq.DeletedTopic = "chat_message_deleted"
	}
	if rq.DeadTopic == "" {
		rq.DeadTopic = "chat_messages_dlq"
	}
	if rq.BatchSize <= 0 {
		rq.BatchSize = 16
	}

	if c.Pipeline.MaxAttempts <= 0 {
		c.Pipeline.MaxAttempts = 5
	}
	if c.Pipeline.PersistTimeout == 0 {
		c.Pipeline.PersistTimeout = 3 * time.Second
	}
	if c.Pipeline.PublishTimeout == 0 {
		c.Pipeline.PublishTimeout = 3 * time.Second
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 8
	}
	if c.Pipeline.DrainTimeout == 0 {
		c.Pipeline.DrainTimeout = 10 * time.Second
	}

	if c.Outbox.Tick == 0 {
		c.Outbox.Tick = 1 * time.Second
	}
	if c.Outbox.Batch <= 0 {
		c.Outbox.Batch = 200
	}
	if c.Outbox.Grace == 0 {
		c.Outbox.Grace = 5 * time.Second
	}

	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = 10 * time.Second
	}
	if c.Breaker.OpenFor == 0 {
		c.Breaker.OpenFor = 5 * time.Second
	}

	if c.TTL.Scheduler == "" {
		c.TTL.Scheduler = "redis"
	}
	if c.TTL.KeyPrefix == "" {
		c.TTL.KeyPrefix = "im:ttl:"
	}
	if c.TTL.SweepEvery == 0 {
		c.TTL.SweepEvery = 1 * time.Minute
	}
	if c.TTL.SweepBatch <= 0 {
		c.TTL.SweepBatch = 500
	}

	if c.Query.DefaultLimit <= 0 {
		c.Query.DefaultLimit = 50
	}
	if c.Query.MaxLimit <= 0 {
		c.Query.MaxLimit = 500
	}

	if c.Elastic.Index == "" {
		c.Elastic.Index = "im_messages"
	}
}
