package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xmplusdev/xmplus-tunnel/config"
	"github.com/xmplusdev/xmplus-tunnel/controller"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "xmplus-tunnel",
		Short: "Rate limited HTTP CONNECT tunnel",
		Run: func(cmd *cobra.Command, args []string) {
			if err := run(); err != nil {
				log.Fatal(err)
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file for the tunnel.")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "server",
		Short: "Run the tunnel server (default)",
		Run:   rootCmd.Run,
	})
}

func getConfig() (*viper.Viper, error) {
	v := viper.New()

	// Set custom path and name
	if cfgFile != "" {
		configName := path.Base(cfgFile)
		configFileExt := path.Ext(cfgFile)
		configNameOnly := strings.TrimSuffix(configName, configFileExt)
		configPath := path.Dir(cfgFile)
		v.SetConfigName(configNameOnly)
		v.SetConfigType(strings.TrimPrefix(configFileExt, "."))
		v.AddConfigPath(configPath)
	} else {
		// Set default config path
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config file error: %w", err)
	}

	v.WatchConfig() // Watch the config
	return v, nil
}

func setLogger(c *config.LogConfig) error {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetReportCaller(level == log.DebugLevel || level == log.TraceLevel)

	switch c.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if c.Output != "" {
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %s failed: %w", c.Output, err)
		}
		log.SetOutput(f)
	} else {
		log.SetOutput(os.Stderr)
	}
	return nil
}

func run() error {
	showVersion()

	v, err := getConfig()
	if err != nil {
		return err
	}
	tunnelConfig, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := setLogger(&tunnelConfig.Log); err != nil {
		return err
	}

	c, err := controller.New(tunnelConfig)
	if err != nil {
		return err
	}

	lastTime := time.Now()
	v.OnConfigChange(func(e fsnotify.Event) {
		// Discarding event received within a short period of time after receiving an event.
		if !time.Now().After(lastTime.Add(3 * time.Second)) {
			return
		}
		lastTime = time.Now()
		log.Printf("Config file changed: %s", e.Name)

		newConfig, err := config.Load(v)
		if err != nil {
			log.Errorf("Reload config failed, keeping the running one: %s", err)
			return
		}
		if err := setLogger(&newConfig.Log); err != nil {
			log.Errorf("Apply log config failed: %s", err)
		}
		if err := c.Reload(newConfig); err != nil {
			log.Errorf("Reload failed: %s", err)
		}
		// Delete old instance and trigger GC
		runtime.GC()
	})

	if err := c.Start(); err != nil {
		return err
	}
	defer c.Close()

	// Explicitly triggering GC to remove garbage from config loading.
	runtime.GC()

	// Running backend
	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	<-osSignals
	return nil
}

func Execute() error {
	return rootCmd.Execute()
}
