package snowflake

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sdming/gosnow"
)

type Snowflaker interface {
	Next() (uint64, error)
}

var Epoch = time.Date(2014, 12, 0, 0, 0, 0, 0, time.UTC)

var (
	m                 sync.Mutex
	DefaultSnowflaker Snowflaker
)

func init() {
	gosnow.Since = Epoch.UnixNano() / int64(time.Millisecond)
	var err error
	DefaultSnowflaker, err = gosnow.Default()
	if err != nil {
		panic(err)
	}
}

// A Snowflake is a time-ordered 64-bit id. Its string form is fixed-width
// base 36, so ids sort lexically in creation order.
type Snowflake uint64

func New() (Snowflake, error) {
	m.Lock()
	defer m.Unlock()

	snowflake, err := DefaultSnowflaker.Next()
	if err != nil {
		return Snowflake(0), err
	}
	return Snowflake(snowflake), nil
}

// NewString returns the string form of a fresh snowflake.
func NewString() (string, error) {
	s, err := New()
	if err != nil {
		return "", err
	}
	return s.String(), nil
}

func Parse(s string) (Snowflake, error) {
	snowflake, err := strconv.ParseUint(s, 36, 64)
	if err != nil {
		return Snowflake(0), err
	}
	return Snowflake(snowflake), nil
}

func (s Snowflake) String() string {
	if s == 0 {
		return ""
	}
	return fmt.Sprintf("%013s", strconv.FormatUint(uint64(s), 36))
}

func (s Snowflake) Time() time.Time {
	timestampMillis := uint64(s) >> (gosnow.WorkerIdBits + gosnow.SequenceBits)
	return Epoch.Add(time.Duration(timestampMillis) * time.Millisecond)
}

func (s Snowflake) IsZero() bool { return s == 0 }
