package sqs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// NewClients creates one SQS client per region from the default credential
// chain. endpoint overrides the service endpoint when set.
func NewClients(ctx context.Context, regions []string, endpoint string) (map[string]Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	clients := make(map[string]Client, len(regions))
	for _, region := range regions {
		clients[region] = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.Region = region
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
	}
	return clients, nil
}
