package worker_test

import (
	"context"
	"fmt"

	"github.com/petrijr/stageflow/internal/engine"
	"github.com/petrijr/stageflow/internal/taskqueue"
	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
	"github.com/petrijr/stageflow/pkg/worker"
)

func ExampleWorker() {
	ctx := context.Background()
	eng := engine.NewInMemoryEngine()

	_ = eng.RegisterGraph(api.GraphDefinition{
		Name:   "greet",
		Schema: state.MustSchema(state.Text("name"), state.Text("greeting")),
		Stages: []api.StageDescriptor{{
			Name: "greet",
			Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
				return state.Partial{"greeting": "hello " + st.Text("name")}, nil
			},
		}},
	})

	w := worker.New(eng, taskqueue.NewInMemoryQueue(16))
	_, _ = w.Enqueue(ctx, api.RunRequest{Graph: "greet", SessionID: "demo", Seed: state.Partial{"name": "ada"}})

	if _, err := w.ProcessOne(ctx); err != nil {
		fmt.Println("error:", err)
		return
	}

	cps, _ := eng.History(ctx, "demo", 1)
	fmt.Println(cps[0].State["greeting"])
	// Output: hello ada
}
