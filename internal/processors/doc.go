// Package processors provides built-in event processors.
//
// Func adapts a plain handler function to the engine's EventProcessor,
// turning returned errors into processing results through a RetryPolicy.
// Log and Filter are the processors available to declarations.
package processors
