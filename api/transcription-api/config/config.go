package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/configs"
	"github.com/spf13/viper"
)

// AppConfig is the transcription service configuration.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`

	// ASR provider (Google Cloud Speech-to-Text). The project id is optional
	// and only sets the quota project on the speech client.
	ProviderCredentialsPath string `mapstructure:"provider_credentials_path" validate:"required"`
	ProviderProjectID       string `mapstructure:"provider_project_id"`

	// Backend collaborator. When BaseURL is empty the transcript sink and the
	// slide keyword loader are disabled silently.
	BackendBaseURL         string `mapstructure:"backend_base_url"`
	BackendServiceToken    string `mapstructure:"backend_service_token"`
	BackendCallbackTimeout int    `mapstructure:"backend_callback_timeout" validate:"gte=1"`

	// SessionMax bounds concurrent websocket sessions; excess connections are
	// refused with close code 1013.
	SessionMax int `mapstructure:"session_max" validate:"gte=1"`

	PostgresConfig configs.PostgresConfig `mapstructure:"postgres"`
}

// InitConfig reads configuration from the environment (and an optional .env
// file pointed at by ENV_PATH) with sane defaults.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "transcription-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8090)
	v.SetDefault("LOG_LEVEL", "debug")

	v.SetDefault("PROVIDER_CREDENTIALS_PATH", "")
	v.SetDefault("PROVIDER_PROJECT_ID", "")

	v.SetDefault("BACKEND_BASE_URL", "")
	v.SetDefault("BACKEND_SERVICE_TOKEN", "")
	v.SetDefault("BACKEND_CALLBACK_TIMEOUT", 5)

	v.SetDefault("SESSION_MAX", 128)

	v.SetDefault("POSTGRES__HOST", "")
	v.SetDefault("POSTGRES__PORT", 5432)
	v.SetDefault("POSTGRES__DB_NAME", "itss_nihongo")
	v.SetDefault("POSTGRES__AUTH__USER", "")
	v.SetDefault("POSTGRES__AUTH__PASSWORD", "")
	v.SetDefault("POSTGRES__MAX_OPEN_CONNECTION", 10)
	v.SetDefault("POSTGRES__MAX_IDEAL_CONNECTION", 10)
	v.SetDefault("POSTGRES__SSL_MODE", "disable")
}

// GetApplicationConfig unmarshals and validates the application config.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &cfg, nil
}
