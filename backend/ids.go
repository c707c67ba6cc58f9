package backend

import (
	"fmt"

	"github.com/google/uuid"

	"euphoria.io/mpst/proto/snowflake"
)

// An IDGenerator names new sessions.
type IDGenerator func() (string, error)

func SnowflakeIDs() (string, error) { return snowflake.NewString() }

// UUIDs generates time-based (version 1) UUIDs.
func UUIDs() (string, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func IDScheme(name string) (IDGenerator, error) {
	switch name {
	case "", "snowflake":
		return SnowflakeIDs, nil
	case "uuid":
		return UUIDs, nil
	default:
		return nil, fmt.Errorf("unknown id scheme %q", name)
	}
}
