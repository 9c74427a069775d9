package buildsys

import "context"

// BuildSystem captures the lifecycle shared by native build helpers.
// Each step must succeed before the next one is attempted.
type BuildSystem interface {
	// Configure generates the build tree.
	Configure(ctx context.Context) error
	// Build compiles the configured targets.
	Build(ctx context.Context) error
	// Install copies artifacts into OutputDir.
	Install(ctx context.Context) error

	// Where artifacts land.
	OutputDir() string
}

// Paths locates the directories of one build.
type Paths struct {
	Source  string
	Build   string
	Install string
}
