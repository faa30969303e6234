package redis

import (
	"time"

	rd "github.com/redis/go-redis/v9"
)

// Config selects the client kind from the addresses: one address is a plain
// client, several are a cluster, and a MasterName makes it a sentinel client.
type Config struct {
	Addrs       []string
	MasterName  string
	Namespace   string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

func (c Config) options() *rd.UniversalOptions {
	return &rd.UniversalOptions{
		Addrs:       c.Addrs,
		MasterName:  c.MasterName,
		Password:    c.Password,
		DB:          c.DB,
		PoolSize:    c.PoolSize,
		DialTimeout: c.DialTimeout,
	}
}
