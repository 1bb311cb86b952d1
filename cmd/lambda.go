package main

import (
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
)

func lambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve API Gateway and scheduled sweep events as an AWS Lambda function",
		Long: "Lambda invocations do not outlive their response, so flushes armed here rely on " +
			"the scheduled EventBridge sweep to run.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			lambda.StartWithOptions(a.handler.HandleEvent, lambda.WithEnableSIGTERM(a.engine.Close))
			return nil
		},
	}
}
