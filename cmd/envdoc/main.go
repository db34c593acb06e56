package main

import (
	"fmt"

	"msd/internal/config"
)

func main() {
	fmt.Println("# Discovery Environment Variables")
	fmt.Println()
	fmt.Println("Environment variables override values from the configuration file.")
	fmt.Println("Registry instances can only be declared in the file.")
	fmt.Println()
	fmt.Println("## Available Environment Variables")
	fmt.Println()

	for _, example := range config.EnvExample(&config.Config{}) {
		fmt.Printf("- `%s`\n", example)
	}

	fmt.Println()
	fmt.Println("## Examples")
	fmt.Println()
	fmt.Println("```bash")
	fmt.Println("# Serve the query surface on another port")
	fmt.Println("export MSD_DISCOVERY_SERVER_PORT=9000")
	fmt.Println()
	fmt.Println("# Poll every registry once a minute unless overridden per instance")
	fmt.Println("export MSD_DISCOVERY_DEFAULTS_POLLINTERVAL=1m")
	fmt.Println()
	fmt.Println("# Mirror published targets to Redis")
	fmt.Println("export MSD_DISCOVERY_MIRROR_ENABLED=true")
	fmt.Println("export MSD_DISCOVERY_MIRROR_ADDR=localhost:6379")
	fmt.Println("```")
}
