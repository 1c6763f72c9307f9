package leasepool

import (
	"log"
	"os"
	"strings"

	"golift.io/rotatorr"
	"golift.io/rotatorr/timerotator"
)

// SetupLogs starts log rotation and points the app and http loggers at
// their configured files. Start calls it when the logs are not set up
// yet; the logging methods panic if called before either.
//
//nolint:gomnd
func (c *Config) SetupLogs() {
	c.httpLog = log.New(os.Stdout, "", 0)

	if c.HTTPLog != "" && c.HTTPLogMB > 0 {
		c.httpLog.SetOutput(rotatorr.NewMust(&rotatorr.Config{
			Filepath: c.HTTPLog,
			FileSize: c.HTTPLogMB * 1024 * 1024,
			FileMode: 0o644,
			Rotatorr: &timerotator.Layout{FileCount: c.HTTPLogs},
		}))
	}

	if c.LogFile == "" {
		c.log = log.New(os.Stderr, "", log.LstdFlags)
		return
	}

	var rotator *rotatorr.Logger

	postRotate := func(_, _ string) { os.Stderr = rotator.File } // keeps panics landing in the log file.
	defer postRotate("", "")

	rotator = rotatorr.NewMust(&rotatorr.Config{
		Filepath: c.LogFile,
		FileSize: c.LogFileMB * 1024 * 1024,
		FileMode: 0o644,
		Rotatorr: &timerotator.Layout{
			FileCount:  c.LogFiles,
			PostRotate: postRotate,
		},
	})
	c.log = log.New(rotator, "", log.LstdFlags)
	log.SetOutput(rotator)

	if c.HTTPLog == "" || c.HTTPLogMB < 1 {
		c.httpLog.SetOutput(rotator)
	}
}

func (c *Config) Debugf(msg string, v ...interface{}) {
	c.log.Printf("[DEBUG] "+msg, v...)
}

func (c *Config) Printf(msg string, v ...interface{}) {
	c.log.Printf("[INFO] "+msg, v...)
}

func (c *Config) Errorf(msg string, v ...interface{}) {
	c.log.Printf("[ERROR] "+msg, v...)
}

// PrintConfig logs the running configuration, for diagnosing a deployment.
func (c *Config) PrintConfig() {
	c.Printf("=> Leasepool server starting, pid: %d", os.Getpid())
	c.Printf("=> Listen Address: %s", c.ListenAddr)
	c.Printf("=> Pool Max Size / Max Waiters: %d / %d", c.MaxSize, c.MaxWaiters)
	c.Printf("=> Auth URL/Header: %s / %s", c.AuthURL, c.AuthHeader)
	c.Printf("=> Allowed Requestors: %s", strings.Join(c.Upstreams, ", "))
	c.Printf("=> CacheDir: %s", c.CacheDir)
	c.Printf("=> Email / Token: %s / %v", c.Email, len(c.CFToken) > 0)
	c.Printf("=> SSL Names: %s", strings.Join(c.SSLNames, ", "))
	c.Printf("=> Log File: %s (count: %d, size: %dMB)", c.LogFile, c.LogFiles, c.LogFileMB)
	c.Printf("=> HTTP Log: %s (count: %d, size: %dMB)", c.HTTPLog, c.HTTPLogs, c.HTTPLogMB)
	c.Printf("=> Access Log Format: %s", c.ApacheLogFormat())
}

// ApacheLogFormat builds the apache-logformat/v2 string for the http
// access log, appending any configured LogHeaders.
func (c *Config) ApacheLogFormat() string {
	format := `%h %l %u %t "%r" %>s %b "%{Referer}i" "%{User-agent}i" %{ms}Tms`

	for header, name := range c.LogHeaders {
		format += ` "` + name + `=%{` + header + `}i"`
	}

	return format
}
