package archive

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/capi-uploader/internal/config"
)

// LoadAWSConfig resolves credentials in order: static keys from
// configuration, a named profile, then the default chain (IAM role on ECS).
func LoadAWSConfig(ctx context.Context, cfg config.ArchiveConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	case cfg.GetAWSProfile() != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.GetAWSProfile()))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

// New builds the archiver described by cfg: Noop when disabled, otherwise
// S3 and/or DynamoDB depending on which targets are set.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var m Multi
	if cfg.S3Bucket != "" {
		m = append(m, NewS3Archiver(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.Prefix))
	}
	if cfg.DynamoDBTable != "" {
		m = append(m, NewDynamoArchiver(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable, cfg.Retention()))
	}
	if len(m) == 1 {
		return m[0], nil
	}
	return m, nil
}
