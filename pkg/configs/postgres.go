package configs

// PostgresAuth holds database credentials.
type PostgresAuth struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// PostgresConfig is the relational store configuration. The transcription
// service only reads lectures and appends session summary rows; when Host is
// empty the store is disabled and those paths degrade gracefully.
type PostgresConfig struct {
	Host               string       `mapstructure:"host"`
	Port               int          `mapstructure:"port"`
	DBName             string       `mapstructure:"db_name"`
	Auth               PostgresAuth `mapstructure:"auth"`
	MaxOpenConnection  int          `mapstructure:"max_open_connection"`
	MaxIdealConnection int          `mapstructure:"max_ideal_connection"`
	SSLMode            string       `mapstructure:"ssl_mode"`
}

// Enabled reports whether a postgres endpoint is configured at all.
func (c PostgresConfig) Enabled() bool {
	return c.Host != ""
}
