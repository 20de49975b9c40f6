package log

// LoggerConfig maps to the `log:` section of the config file.
type LoggerConfig struct {
	Level   string              `mapstructure:"level"`
	Pattern string              `mapstructure:"pattern"`
	Time    string              `mapstructure:"time"`
	File    *FileAppenderConfig `mapstructure:"file"`
}

// FileAppenderConfig configures the optional rotating file appender.
type FileAppenderConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig is the configuration used when the config file carries no
// log section: info level, console only.
func DefaultConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:   "info",
		Pattern: "%time [%level] %msg%n",
		Time:    "2006-01-02 15:04:05",
	}
}
