package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Name   string `yaml:"name" json:"name" env:"PROCFLOW_NAME" env-default:"procflow"`
	Log    Log    `yaml:"log" json:"log"`
	Server Server `yaml:"server" json:"server"` // configuration of the admin REST server
	Store  Store  `yaml:"store" json:"store"`
	Worker Worker `yaml:"worker" json:"worker"`
}

type Log struct {
	Level string `yaml:"level" json:"level" env:"LOG_LEVEL" env-default:"info"`
	Json  bool   `yaml:"json" json:"json" env:"LOG_JSON"`
}

type Server struct {
	Addr string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

type Store struct {
	Driver string `yaml:"driver" json:"driver" env:"STORE_DRIVER" env-default:"sqlite3"`
	DSN    string `yaml:"dsn" json:"dsn" env:"STORE_DSN" env-default:"procflow.db"`
}

type Worker struct {
	// LockName identifies this worker's instance claims in the store.
	// Leave empty to derive one from the hostname; set a stable name per
	// deployment slot so restarts recover orphaned claims.
	LockName string `yaml:"lockName" json:"lockName" env:"WORKER_LOCK_NAME"`
	// Interval between polls for due process instances.
	Interval time.Duration `yaml:"interval" json:"interval" env:"WORKER_INTERVAL" env-default:"5s"`
	// RequeueDelay reschedules instances that wait without a due timer.
	RequeueDelay time.Duration `yaml:"requeueDelay" json:"requeueDelay" env:"WORKER_REQUEUE_DELAY" env-default:"10s"`
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}
