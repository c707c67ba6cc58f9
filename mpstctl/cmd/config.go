package cmd

import (
	"flag"
	"fmt"

	"euphoria.io/mpst/backend"
)

var config = flag.String("config", "", "path to a yaml server config (overrides flags)")

func getConfig() (*backend.ServerConfig, error) {
	if *config != "" {
		if err := backend.Config.LoadFromFile(*config); err != nil {
			return nil, fmt.Errorf("config: %s", err)
		}
	} else if err := backend.Config.Validate(); err != nil {
		return nil, err
	}
	return &backend.Config, nil
}
