// Command pubsub_forwarder turns Pub/Sub push deliveries into Cloud Tasks
// HTTP tasks so long running feed triggers are retried with the queue's
// rate limits instead of the subscription's.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/golang/glog"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "google.golang.org/genproto/googleapis/cloud/tasks/v2"
)

type server struct {
	queuePath string
	targetURL string
	invokerSA string
	tc        *cloudtasks.Client
}

// newTaskRequest builds a task that POSTs body to the target URL, signed with
// an OIDC token of the invoker service account if one is set.
func (s *server) newTaskRequest(body []byte, contentType string) *taskspb.CreateTaskRequest {
	if contentType == "" {
		contentType = "application/json"
	}
	httpReq := &taskspb.HttpRequest{
		HttpMethod: taskspb.HttpMethod_POST,
		Url:        s.targetURL,
		Headers:    map[string]string{"Content-Type": contentType},
		Body:       body,
	}
	if s.invokerSA != "" {
		httpReq.AuthorizationHeader = &taskspb.HttpRequest_OidcToken{
			OidcToken: &taskspb.OidcToken{
				ServiceAccountEmail: s.invokerSA,
				Audience:            s.targetURL,
			},
		}
	}
	return &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{HttpRequest: httpReq},
		},
	}
}

func (s *server) forwardPubsubMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		glog.Error(err)
		return
	}
	glog.V(1).Infof("Received message: %s", string(body))

	createdTask, err := s.tc.CreateTask(r.Context(), s.newTaskRequest(body, r.Header.Get("Content-Type")))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		glog.Error(err)
		return
	}
	glog.Infof("Created task %s", createdTask.GetName())
}

func requireEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		glog.Exitf("%s not specified", name)
	}
	return v
}

func main() {
	ctx := context.Background()
	flag.Parse()
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
		glog.Infof("Defaulting to port %s", port)
	}
	project := requireEnv("PROJECT")
	loc := requireEnv("CLOUD_TASK_LOCATION")
	queue := requireEnv("CLOUD_TASK_QUEUE")
	target := requireEnv("TARGET_URL")

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		glog.Fatalf("cloudtasks.NewClient: %v", err)
	}
	defer client.Close()

	srvr := &server{
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", project, loc, queue),
		targetURL: target,
		invokerSA: os.Getenv("INVOKER_SA"),
		tc:        client,
	}

	http.HandleFunc("/", srvr.forwardPubsubMessage)
	glog.Infof("Listening on port %s", port)
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		glog.Fatal(err)
	}
}
