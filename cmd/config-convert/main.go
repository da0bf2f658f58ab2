package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chrissnell/remoteflood/pkg/config"
)

func main() {
	var (
		yamlFile   = flag.String("yaml", "", "Path to YAML configuration file (required)")
		sqliteFile = flag.String("sqlite", "", "Path to SQLite database file (required)")
		role       = flag.String("role", "", "Validate for 'station' or 'gateway' before converting")
		force      = flag.Bool("force", false, "Overwrite existing SQLite database")
		dryRun     = flag.Bool("dry-run", false, "Show what would be done without executing")
	)
	flag.Parse()

	if *yamlFile == "" || *sqliteFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -yaml <station.yaml> -sqlite <station.db>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	if _, err := os.Stat(*yamlFile); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: YAML file does not exist: %s\n", *yamlFile)
		os.Exit(1)
	}

	if _, err := os.Stat(*sqliteFile); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "Error: SQLite file already exists: %s\n", *sqliteFile)
		fmt.Fprintf(os.Stderr, "Use -force to overwrite or choose a different filename\n")
		os.Exit(1)
	}

	fmt.Printf("Converting YAML configuration to SQLite...\n")
	fmt.Printf("  Source: %s\n", *yamlFile)
	fmt.Printf("  Target: %s\n", *sqliteFile)

	yamlProvider := config.NewYAMLProvider(*yamlFile)
	configData, err := yamlProvider.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading YAML configuration: %v\n", err)
		os.Exit(1)
	}

	if *role != "" {
		// validate a copy so that unset values are stored unset and keep following the defaults
		check := *configData
		check.ApplyDefaults()
		if err := check.Validate(config.Role(*role)); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration is not valid for a %s:\n%v\n", *role, err)
			os.Exit(1)
		}
		fmt.Printf("  Valid %s configuration\n", *role)
	}

	if *dryRun {
		fmt.Println("DRY RUN - No changes will be made")
		printConfigSummary(configData)
		return
	}

	if *force {
		if err := os.Remove(*sqliteFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error removing existing SQLite file: %v\n", err)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(filepath.Dir(*sqliteFile), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
		os.Exit(1)
	}

	sqliteProvider, err := config.NewSQLiteProvider(*sqliteFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating SQLite database: %v\n", err)
		os.Exit(1)
	}
	defer sqliteProvider.Close()

	if err := sqliteProvider.SaveConfig(configData); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Conversion completed successfully!\n")
	fmt.Printf("You can now use the SQLite backend with: -config-backend sqlite -config %s\n", *sqliteFile)
}

func printConfigSummary(c *config.ConfigData) {
	fmt.Println("\nConfiguration Summary:")
	if c.Station.ID != "" {
		s := c.Station
		fmt.Printf("Station %s at radio address %#02x, gateway %#02x\n", s.ID, s.Address, s.GatewayAddress)
		fmt.Printf("  Warning level %.2f m, critical level %.2f m\n", s.WarningLevel, s.CriticalLevel)
		fmt.Printf("  Radar: %v  Humidity: %v  Camera: %v  Forecast: %v  Recorder: %v\n",
			s.Radar.Enabled, s.Humidity.Enabled, s.Camera.Enabled, s.Forecast.Enabled, s.Recorder.Enabled)
	}
	if len(c.Gateway.Stations) > 0 {
		fmt.Printf("Gateway at radio address %#02x with %d stations:\n", c.Gateway.Address, len(c.Gateway.Stations))
		for _, st := range c.Gateway.Stations {
			fmt.Printf("  - %#02x %s\n", st.Address, st.ID)
		}
	}

	fmt.Printf("\nStorage Backends:\n")
	if c.Storage.TimescaleDB != nil {
		fmt.Printf("  - TimescaleDB\n")
	}
	if c.Storage.MQTT != nil {
		fmt.Printf("  - MQTT: %s:%d topic %s\n", c.Storage.MQTT.Broker, c.Storage.MQTT.Port, c.Storage.MQTT.Topic)
	}
	if c.Storage.Kafka != nil {
		fmt.Printf("  - Kafka: %v topic %s\n", c.Storage.Kafka.Brokers, c.Storage.Kafka.Topic)
	}
}
