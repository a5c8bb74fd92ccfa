package observe_test

import (
	"context"
	"fmt"
	"os"

	"github.com/jonwraymond/taskops/observe"
)

func ExampleTaskMeta_SpanName() {
	meta := observe.TaskMeta{Name: "process_filing", Queue: "filings"}
	fmt.Println(meta.SpanName())

	meta.Queue = ""
	fmt.Println(meta.SpanName())
	// Output:
	// task.exec.filings.process_filing
	// task.exec.process_filing
}

func ExampleMiddleware_Wrap() {
	mw := observe.NewMiddleware(nil, nil, observe.NopLogger())

	exec := mw.Wrap(func(ctx context.Context, meta observe.TaskMeta) (any, error) {
		return "done:" + meta.Name, nil
	})

	out, err := exec(context.Background(), observe.TaskMeta{Name: "cleanup"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(out)
	// Output:
	// done:cleanup
}
