package router

import "context"

// FakeProvider is a deterministic Provider for tests: it answers according
// to a per-model-id script instead of calling a real LLM backend, mirroring
// how the teacher's services/orchestrator tests stub TaskExecutor.
type FakeProvider struct {
	Responses map[string]Response
	Errors    map[string]error
	Calls     []string
}

func (f *FakeProvider) Invoke(ctx context.Context, model ModelDescriptor, req Request) (Response, error) {
	f.Calls = append(f.Calls, model.ID)
	if err, ok := f.Errors[model.ID]; ok {
		return Response{}, err
	}
	if resp, ok := f.Responses[model.ID]; ok {
		return resp, nil
	}
	return Response{Output: "", FinishReason: FinishEmpty}, nil
}
