package server

import (
	"fmt"
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v2"
)

// Storage mode values.
const (
	StorageModeAWS    = "aws"
	StorageModeMemory = "memory"
)

// Config represents the server configuration
type Config struct {
	Server struct {
		HTTPPort              int `yaml:"http_port"`
		GRPCPort              int `yaml:"grpc_port"`
		RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	} `yaml:"server"`
	Storage struct {
		// Mode selects the backends: "aws" for DynamoDB+S3, "memory" for
		// process-local stores (development only).
		Mode string `yaml:"mode"`
	} `yaml:"storage"`
	AWS struct {
		Region string `yaml:"region"`
		// Endpoint redirects DynamoDB and S3 to a local stack when set.
		Endpoint string `yaml:"endpoint"`
		DynamoDB struct {
			ImagesTable string `yaml:"images_table"`
		} `yaml:"dynamodb"`
		S3 struct {
			BucketName string `yaml:"bucket_name"`
		} `yaml:"s3"`
		ElastiCache struct {
			Address string `yaml:"address"`
			TTL     int    `yaml:"ttl"`
		} `yaml:"elasticache"`
	} `yaml:"aws"`
}

// LoadConfig loads the configuration from a file
func LoadConfig(path string) (*Config, error) {
	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the file
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	// Parse the YAML
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	// Set defaults
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 8080
	}
	if config.Server.GRPCPort == 0 {
		config.Server.GRPCPort = 8081
	}
	if config.Server.RequestTimeoutSeconds == 0 {
		config.Server.RequestTimeoutSeconds = 10
	}
	if config.Storage.Mode == "" {
		config.Storage.Mode = StorageModeAWS
	}
	if config.Storage.Mode != StorageModeAWS && config.Storage.Mode != StorageModeMemory {
		return nil, fmt.Errorf("unknown storage mode: %s", config.Storage.Mode)
	}
	if config.AWS.Region == "" {
		config.AWS.Region = "us-west-2"
	}
	if config.AWS.DynamoDB.ImagesTable == "" {
		config.AWS.DynamoDB.ImagesTable = "images"
	}
	if config.AWS.S3.BucketName == "" {
		config.AWS.S3.BucketName = "image-storage-bucket"
	}
	if config.AWS.ElastiCache.TTL == 0 {
		config.AWS.ElastiCache.TTL = 3600
	}

	return &config, nil
}
