package elect

import "context"

// Test-only accessors for the external test package.

func (e *Elector) StreamName() string { return e.streamName }

func (e *Elector) InitStream(ctx context.Context) error { return e.initStream(ctx) }
