package main

import (
	"flag"
	"fmt"
	"os"
	"reflect"

	"github.com/chrissnell/remoteflood/pkg/config"
)

func main() {
	var (
		yamlFile   = flag.String("yaml", "", "Path to YAML configuration file")
		sqliteFile = flag.String("sqlite", "", "Path to SQLite configuration file")
		role       = flag.String("role", "station", "Role to validate both configurations for: 'station' or 'gateway'")
	)
	flag.Parse()

	if *yamlFile == "" || *sqliteFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -yaml <station.yaml> -sqlite <station.db> [-role station|gateway]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("Configuration Comparison Test")
	fmt.Println("===========================")

	fmt.Printf("Loading YAML configuration: %s\n", *yamlFile)
	yamlProvider := config.NewYAMLProvider(*yamlFile)
	yamlConfig, err := yamlProvider.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading YAML config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Loading SQLite configuration: %s\n", *sqliteFile)
	sqliteProvider, err := config.NewSQLiteProvider(*sqliteFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating SQLite provider: %v\n", err)
		os.Exit(1)
	}
	defer sqliteProvider.Close()

	sqliteConfig, err := sqliteProvider.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading SQLite config: %v\n", err)
		os.Exit(1)
	}

	yamlSections, err := loadSections(yamlProvider, yamlConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading YAML sections: %v\n", err)
		os.Exit(1)
	}
	sqliteSections, err := loadSections(sqliteProvider, sqliteConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading SQLite sections: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nComparison Results:")
	fmt.Println("==================")

	ok := true
	for i, s := range yamlSections {
		other := sqliteSections[i]
		if reflect.DeepEqual(s.value, other.value) {
			fmt.Printf("✓ %s matches\n", s.name)
			continue
		}
		ok = false
		fmt.Printf("✗ %s differs\n", s.name)
		printDiff(s.value, other.value)
	}

	fmt.Printf("\nValidation for role %q:\n", *role)
	for name, c := range map[string]*config.ConfigData{"YAML": yamlConfig, "SQLite": sqliteConfig} {
		c.ApplyDefaults()
		if err := c.Validate(config.Role(*role)); err != nil {
			ok = false
			fmt.Printf("✗ %s:\n%v\n", name, err)
			continue
		}
		fmt.Printf("✓ %s is valid\n", name)
	}

	if !ok {
		os.Exit(1)
	}
	fmt.Println("\nAll checks passed")
}

type section struct {
	name  string
	value any
}

// loadSections reads the station, system and storage sections through the provider's
// section getters, the path a running station takes, and the rest from the full config.
func loadSections(p config.ConfigProvider, c *config.ConfigData) ([]section, error) {
	station, err := p.GetStation()
	if err != nil {
		return nil, fmt.Errorf("station: %w", err)
	}
	system, err := p.GetSystem()
	if err != nil {
		return nil, fmt.Errorf("system: %w", err)
	}
	storage, err := p.GetStorageConfig()
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return []section{
		{"station", *station},
		{"system", *system},
		{"radio", c.Radio},
		{"gateway", c.Gateway},
		{"storage", *storage},
	}, nil
}

// printDiff lists the top-level fields of two section structs that differ.
func printDiff(a, b any) {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	t := va.Type()
	for i := 0; i < t.NumField(); i++ {
		fa, fb := va.Field(i).Interface(), vb.Field(i).Interface()
		if !reflect.DeepEqual(fa, fb) {
			fmt.Printf("    %s: YAML=%+v SQLite=%+v\n", t.Field(i).Name, fa, fb)
		}
	}
}
