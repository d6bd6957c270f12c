package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

func TestScheduler(t *testing.T) {
	Convey("Given a Scheduler", t, func() {
		scheduler := New(zap.NewNop().Sugar())

		Convey("When adding a job with a valid cron spec", func() {
			var runs atomic.Int32
			err := scheduler.AddJob("orders-full", "* * * * * *", func(ctx context.Context) error {
				runs.Add(1)
				return nil
			})

			Convey("It should run it every second until stopped", func() {
				So(err, ShouldBeNil)
				So(scheduler.Jobs(), ShouldEqual, 1)

				scheduler.Start()
				time.Sleep(2 * time.Second)
				next, ok := scheduler.NextRun("orders-full")
				So(ok, ShouldBeTrue)
				So(next.IsZero(), ShouldBeFalse)
				scheduler.Stop()

				afterStop := runs.Load()
				So(afterStop, ShouldBeGreaterThanOrEqualTo, 1)
				time.Sleep(1500 * time.Millisecond)
				So(runs.Load(), ShouldEqual, afterStop)
			})
		})

		Convey("When the same job name is added twice", func() {
			job := func(ctx context.Context) error { return nil }
			So(scheduler.AddJob("orders-full", "0 0 2 * * *", job), ShouldBeNil)
			err := scheduler.AddJob("orders-full", "0 0 3 * * *", job)

			Convey("It should be rejected", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "already scheduled")
			})
		})

		Convey("When adding a job with an invalid cron spec", func() {
			err := scheduler.AddJob("bad", "invalid spec", func(ctx context.Context) error { return nil })

			Convey("It should return an error", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "expected exactly 6 fields")
			})
		})

		Convey("When a long job is running at Stop", func() {
			started := make(chan struct{})
			var cancelled atomic.Bool
			err := scheduler.AddJob("slow", "* * * * * *", func(ctx context.Context) error {
				select {
				case started <- struct{}{}:
				default:
				}
				<-ctx.Done()
				cancelled.Store(true)
				return errors.New("interrupted")
			})
			So(err, ShouldBeNil)

			scheduler.Start()
			select {
			case <-started:
			case <-time.After(3 * time.Second):
			}
			scheduler.Stop()

			Convey("Its context should be cancelled and Stop should wait for it", func() {
				So(cancelled.Load(), ShouldBeTrue)
			})
		})

		Convey("Unknown jobs have no next run", func() {
			_, ok := scheduler.NextRun("nope")
			So(ok, ShouldBeFalse)
		})
	})
}
