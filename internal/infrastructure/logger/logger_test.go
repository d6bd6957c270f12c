package logger

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLogger(t *testing.T) {
	Convey("Given the Logger package", t, func() {
		Convey("When creating a console-only logger", func() {
			logger, err := New("info", "")

			Convey("It should log without a file", func() {
				So(err, ShouldBeNil)
				So(logger, ShouldNotBeNil)
				So(func() { logger.Infof("backup %s started", "orders") }, ShouldNotPanic)
			})
		})

		Convey("When creating a logger with a rotated file", func() {
			tempDir, err := os.MkdirTemp("", "logger_test")
			So(err, ShouldBeNil)
			defer os.RemoveAll(tempDir)

			logFile := filepath.Join(tempDir, "nested", "backt.log")
			logger, err := NewWithOptions(Options{Level: "debug", File: logFile, MaxSizeMB: 1})
			So(err, ShouldBeNil)

			logger.Debugf("debug line")
			logger.Close()

			Convey("It should create the directory and the file", func() {
				_, err := os.Stat(logFile)
				So(err, ShouldBeNil)
			})
		})

		Convey("When the level is invalid", func() {
			logger, err := New("loud", "")

			Convey("It should fall back to info", func() {
				So(err, ShouldBeNil)
				So(logger.Desugar().Core().Enabled(-1), ShouldBeFalse)
				So(logger.Desugar().Core().Enabled(0), ShouldBeTrue)
			})
		})

		Convey("When the log directory cannot be created", func() {
			logger, err := New("info", "/proc/backt/denied/test.log")

			Convey("It should return an error", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "failed to create log directory")
				So(logger, ShouldBeNil)
			})
		})

		Convey("Component loggers are named children", func() {
			logger := Nop().Component("executor")
			So(logger, ShouldNotBeNil)
			So(func() { logger.Warnf("ignored") }, ShouldNotPanic)
		})
	})
}
