package logging

import (
	"fmt"
	"path/filepath"
	"time"
)

// LogFilePath builds a session log file path under logsDir.
func LogFilePath(logsDir, component string, sessionStart time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("%s.%s.log", component, sessionStart.Format("20060102_150405")),
	)
}
