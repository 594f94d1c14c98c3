// Command feed_trigger receives scheduled query notifications from Pub/Sub
// push subscriptions and starts the matching feed jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/spf13/viper"
	"google.golang.org/api/dataflow/v1b3"

	"github.com/google/zombies-on-steroids/pkg/accounts"
	"github.com/google/zombies-on-steroids/pkg/feedtrigger"

	log "github.com/sirupsen/logrus"
)

type config struct {
	Project string
	Dataset string

	Accounts     string
	AccountsFile string

	Condition  string
	LabelIndex string

	Bucket         string
	TemplatePath   string
	TemplateName   string
	ServiceAccount string
	Optimisation   string
	Region         string

	Port string
}

// loadConfig reads the configuration from the environment through v.
func loadConfig(v *viper.Viper) (*config, error) {
	v.AutomaticEnv()
	v.SetDefault("PORT", "8080")
	v.SetDefault("DATAFLOW_TEMPLATE_PATH", "templates")

	cfg := &config{
		Project:        v.GetString("GCP_PROJECT"),
		Dataset:        v.GetString("ZOMBIES_DATASET_NAME"),
		Accounts:       v.GetString("ACCOUNTS_CONFIG"),
		AccountsFile:   v.GetString("ACCOUNTS_CONFIG_FILE"),
		Condition:      v.GetString("ZOMBIES_SQL_CONDITION"),
		LabelIndex:     v.GetString("ZOMBIES_FEED_LABEL_INDEX"),
		Bucket:         v.GetString("DATAFLOW_BUCKET"),
		TemplatePath:   v.GetString("DATAFLOW_TEMPLATE_PATH"),
		TemplateName:   v.GetString("DATAFLOW_TEMPLATE_NAME"),
		ServiceAccount: v.GetString("DATAFLOW_SA"),
		Optimisation:   v.GetString("ZOMBIES_OPTIMISATION"),
		Region:         v.GetString("DATAFLOW_REGION"),
		Port:           v.GetString("PORT"),
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("GCP_PROJECT is not set")
	}
	if cfg.Dataset == "" {
		return nil, fmt.Errorf("ZOMBIES_DATASET_NAME is not set")
	}
	if cfg.Accounts == "" && cfg.AccountsFile == "" {
		return nil, fmt.Errorf("neither ACCOUNTS_CONFIG nor ACCOUNTS_CONFIG_FILE is set")
	}
	return cfg, nil
}

func (c *config) accounts() (*accounts.Resolver, error) {
	var (
		list []accounts.Account
		err  error
	)
	if c.Accounts != "" {
		list, err = accounts.Parse([]byte(c.Accounts))
	} else {
		list, err = accounts.LoadFile(c.AccountsFile)
	}
	if err != nil {
		return nil, err
	}
	return accounts.NewResolver(list), nil
}

func (c *config) lowVolumeSKUsEnabled() bool {
	return c.Condition != "" || c.LabelIndex != ""
}

func (c *config) zombiesEnabled() bool {
	return c.Bucket != "" || c.TemplateName != ""
}

type server struct {
	triggers map[string]*feedtrigger.Trigger
}

func newServer(triggers map[string]*feedtrigger.Trigger) (*server, error) {
	if len(triggers) == 0 {
		return nil, fmt.Errorf("no feed is configured")
	}
	return &server{triggers: triggers}, nil
}

func (s *server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	for path, tr := range s.triggers {
		mux.HandleFunc(path, s.notificationHandler(tr))
	}
	return mux
}

// notificationHandler acknowledges every notification that cannot lead to a
// job so Pub/Sub does not redeliver it. Only failed submissions are retried.
func (s *server) notificationHandler(tr *feedtrigger.Trigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Errorf("io.ReadAll: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		msg, err := feedtrigger.DecodePushMessage(body)
		if err != nil {
			log.Infof("Dropped message: %v", err)
			return
		}

		fields := log.Fields{
			"path":      r.URL.Path,
			"messageID": msg.Message.MessageID,
		}
		_, err = tr.Handle(r.Context(), msg.Message.Data)
		var submitErr *feedtrigger.SubmitError
		var noMatch *accounts.NoAccountMatchError
		switch {
		case err == nil:
		case errors.Is(err, feedtrigger.ErrSkipped):
		case errors.As(err, &submitErr):
			log.WithFields(fields).Error(err)
			w.WriteHeader(http.StatusInternalServerError)
		case errors.As(err, &noMatch):
			log.WithFields(fields).Warn(err)
		default:
			log.WithFields(fields).Errorf("Dropped message: %v", err)
		}
	}
}

func main() {
	ctx := context.Background()
	cfg, err := loadConfig(viper.New())
	if err != nil {
		log.Fatal(err)
	}
	res, err := cfg.accounts()
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("Loaded %d account pairs", len(res.Accounts()))

	triggers := map[string]*feedtrigger.Trigger{}
	if cfg.lowVolumeSKUsEnabled() {
		feed, err := feedtrigger.NewLowVolumeSKUs(feedtrigger.LowVolumeSKUsConfig{
			Project:    cfg.Project,
			Dataset:    cfg.Dataset,
			Condition:  cfg.Condition,
			LabelIndex: cfg.LabelIndex,
		})
		if err != nil {
			log.Fatal(err)
		}
		bq, err := bigquery.NewClient(ctx, cfg.Project)
		if err != nil {
			log.Fatalf("bigquery.NewClient: %v", err)
		}
		defer bq.Close()
		sub, err := feedtrigger.NewBigQueryExporter(bq, "")
		if err != nil {
			log.Fatal(err)
		}
		if triggers["/low-volume-skus"], err = feedtrigger.New(feed, res, sub); err != nil {
			log.Fatal(err)
		}
	}
	if cfg.zombiesEnabled() {
		feed, err := feedtrigger.NewZombies(feedtrigger.ZombiesConfig{
			Project:        cfg.Project,
			Dataset:        cfg.Dataset,
			Optimisation:   cfg.Optimisation,
			Bucket:         cfg.Bucket,
			TemplatePath:   cfg.TemplatePath,
			TemplateName:   cfg.TemplateName,
			ServiceAccount: cfg.ServiceAccount,
		})
		if err != nil {
			log.Fatal(err)
		}
		df, err := dataflow.NewService(ctx)
		if err != nil {
			log.Fatalf("dataflow.NewService: %v", err)
		}
		gcs, err := storage.NewClient(ctx)
		if err != nil {
			log.Fatalf("storage.NewClient: %v", err)
		}
		defer gcs.Close()
		sub, err := feedtrigger.NewDataflowLauncher(df, gcs, cfg.Project, cfg.Region)
		if err != nil {
			log.Fatal(err)
		}
		if triggers["/zombies"], err = feedtrigger.New(feed, res, sub); err != nil {
			log.Fatal(err)
		}
	}

	srvr, err := newServer(triggers)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Listening on port %s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, srvr.mux()); err != nil {
		log.Fatal(err)
	}
}
