package aws_s3

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sharedcode/objectstore"
)

type Config struct {
	// "http://127.0.0.1:9000"
	HostEndpointUrl string
	// "us-east-1"
	Region   string
	Username string
	Password string
}

// ConfigFromOptions converts the store's S3 settings.
func ConfigFromOptions(c objectstore.S3Config) Config {
	return Config{
		HostEndpointUrl: c.Endpoint,
		Region:          c.Region,
		Username:        c.AccessKey,
		Password:        c.SecretKey,
	}
}

// Connect to an S3 endpoint, e.g. a MinIO server. Path style addressing is used when an
// endpoint is given.
func Connect(config Config) *s3.Client {
	client := s3.NewFromConfig(aws.Config{Region: config.Region}, func(o *s3.Options) {
		if config.HostEndpointUrl != "" {
			o.BaseEndpoint = aws.String(config.HostEndpointUrl)
			o.UsePathStyle = true
		}
		if config.Username != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(config.Username, config.Password, "")
		}
	})
	return client
}
