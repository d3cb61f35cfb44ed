// Package aws implements engine.Provider with the AWS SDK for Go v2.
//
// One EC2 client is created per configured region from the default
// credential chain. Provider errors are returned unwrapped so callers can
// classify them by their API error code:
//
//	p, err := aws.NewProvider(ctx, aws.Config{Regions: regions}, logger)
//	if err != nil {
//	    return err
//	}
//	inst, err := p.RunInstance(ctx, "us-west-2", input)
//
// DescribeInstance reports unknown instances with an error matching
// stores.ErrNotFound.
package aws
