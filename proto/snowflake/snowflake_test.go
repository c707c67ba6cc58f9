package snowflake

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSnowflake(t *testing.T) {
	Convey("Snowflakes are unique and ordered", t, func() {
		prev, err := New()
		So(err, ShouldBeNil)
		for i := 0; i < 100; i++ {
			next, err := New()
			So(err, ShouldBeNil)
			So(uint64(next), ShouldBeGreaterThan, uint64(prev))
			So(next.String() > prev.String(), ShouldBeTrue)
			prev = next
		}
	})

	Convey("String form round-trips", t, func() {
		s, err := New()
		So(err, ShouldBeNil)
		So(len(s.String()), ShouldEqual, 13)
		parsed, err := Parse(s.String())
		So(err, ShouldBeNil)
		So(parsed, ShouldEqual, s)
	})

	Convey("Time is recovered", t, func() {
		s, err := New()
		So(err, ShouldBeNil)
		So(s.Time(), ShouldHappenWithin, time.Minute, time.Now())
	})

	Convey("Zero renders empty", t, func() {
		So(Snowflake(0).String(), ShouldEqual, "")
		So(Snowflake(0).IsZero(), ShouldBeTrue)
	})
}
