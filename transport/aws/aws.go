// Package aws provides the SNS/SQS transport. Every message kind maps to an
// SNS topic, and every client group subscribes its own SQS queue to it, so
// instances of one service compete while other services get their own copy.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/sagaflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register adds the aws transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Build creates the SNS publisher and the SNS-to-SQS subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	endpoint, err := endpointURL(cfg)
	if err != nil {
		return transport.Transport{}, err
	}

	accountID, region := resolveAccountAndRegion(cfg, logger, awsCfg.Region)
	inner, err := TopicResolverFactory(accountID, region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("aws: create topic resolver: %w", err)
	}
	resolver := kindTopicResolver{inner: inner}
	logger.Info("Creating AWS transport", watermill.LogFields{
		"account_id":      accountID,
		"region":          region,
		"custom_endpoint": endpoint != nil,
	})

	snsOpts, sqsOpts := endpointOptions(endpoint)
	publisher, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("aws: create publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            awsCfg,
			OptFns:               snsOpts,
			TopicResolver:        resolver,
			GenerateSqsQueueName: queueNameGenerator(cfg.GetClientGroup()),
		},
		sqs.SubscriberConfig{
			AWSConfig: awsCfg,
			OptFns:    sqsOpts,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("aws: create subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// ResourceName turns a message kind into a valid SNS topic or SQS queue name.
// Only letters, digits, hyphens and underscores survive; everything else
// becomes an underscore.
func ResourceName(kind string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, kind)
}

// kindTopicResolver maps message kinds to SNS-safe topic names before
// resolving them to ARNs.
type kindTopicResolver struct {
	inner sns.TopicResolver
}

func (r kindTopicResolver) ResolveTopic(ctx context.Context, topic string) (sns.TopicArn, error) {
	return r.inner.ResolveTopic(ctx, ResourceName(topic))
}

func queueNameGenerator(group string) func(context.Context, sns.TopicArn) (string, error) {
	return func(_ context.Context, topicArn sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(topicArn)
		if err != nil {
			return "", err
		}
		if group == "" {
			return string(topic), nil
		}
		return string(topic) + "-" + ResourceName(group), nil
	}
}

func loadAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey, secretKey := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); accessKey != "" && secretKey != "" {
		logger.Info("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"requested_region": region})
		return aws.Config{}, fmt.Errorf("aws: load config: %w", err)
	}
	// Some loaders ignore WithRegion.
	if region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

func endpointOptions(endpoint *url.URL) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if endpoint == nil {
		return nil, nil
	}
	override := smithyendpoints.Endpoint{URI: *endpoint}
	return []func(*amazonsns.Options){amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: override})},
		[]func(*amazonsqs.Options){amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: override})}
}

// resolveAccountAndRegion falls back to the LocalStack account when a custom
// endpoint is configured without a valid account id.
func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}
	if cfg.GetAWSEndpoint() != "" && len(accountID) != awsAccountIDLength {
		logger.Info("Using LocalStack account id", watermill.LogFields{"configured_account_id": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

func endpointURL(cfg transport.Config) (*url.URL, error) {
	raw := cfg.GetAWSEndpoint()
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("aws: parse endpoint: %w", err)
	}
	return parsed, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
