package provisioning

import (
	"context"
	"encoding/json"
	"fmt"

	"fleet-registry/metrics"

	agonesv1 "agones.dev/agones/pkg/apis/agones/v1"
	agonesclientset "agones.dev/agones/pkg/client/clientset/versioned"
	"github.com/rs/zerolog/log"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"
)

const (
	// ServerIDLabel marks the GameServer backing a registered server id.
	ServerIDLabel = "fleet-registry.dev/server-id"
	// CommandAnnotation holds the latest provisioning command for the host to pick up.
	CommandAnnotation = "fleet-registry.dev/provision"
)

// AgonesDispatcher hands commands to hosts running as Agones GameServers by annotating the
// GameServer of the target host. The host's SDK watch sees the annotation change.
type AgonesDispatcher struct {
	agones    agonesclientset.Interface
	namespace string
}

func NewAgonesDispatcher(cli agonesclientset.Interface, namespace string) *AgonesDispatcher {
	if namespace == "" {
		namespace = "default"
	}
	return &AgonesDispatcher{agones: cli, namespace: namespace}
}

func (d *AgonesDispatcher) Dispatch(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	gameServers := d.agones.AgonesV1().GameServers(d.namespace)
	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		gs, err := d.lookup(ctx, cmd.ServerID)
		if err != nil {
			return err
		}
		if gs.ObjectMeta.Annotations == nil {
			gs.ObjectMeta.Annotations = make(map[string]string)
		}
		gs.ObjectMeta.Annotations[CommandAnnotation] = string(payload)
		_, err = gameServers.Update(ctx, gs, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		metrics.ProvisioningCommandsTotal.WithLabelValues("failure").Inc()
		log.Error().Err(err).Str("namespace", d.namespace).Str("serverId", cmd.ServerID).Msg("provisioning: failed to annotate GameServer")
		return fmt.Errorf("failed to annotate GameServer of %s: %w", cmd.ServerID, err)
	}
	metrics.ProvisioningCommandsTotal.WithLabelValues("success").Inc()
	log.Info().Str("requestId", cmd.RequestID).Str("serverId", cmd.ServerID).Str("family", cmd.Family).Msg("provisioning: GameServer annotated")
	return nil
}

// lookup finds the GameServer labelled with serverID, falling back to one named after it.
func (d *AgonesDispatcher) lookup(ctx context.Context, serverID string) (*agonesv1.GameServer, error) {
	gameServers := d.agones.AgonesV1().GameServers(d.namespace)
	list, err := gameServers.List(ctx, metav1.ListOptions{LabelSelector: ServerIDLabel + "=" + serverID})
	if err != nil {
		return nil, err
	}
	if len(list.Items) > 0 {
		return &list.Items[0], nil
	}
	return gameServers.Get(ctx, serverID, metav1.GetOptions{})
}

// NewAgonesClient returns an Agones typed clientset using in-cluster config or local kubeconfig.
func NewAgonesClient() (agonesclientset.Interface, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return agonesclientset.NewForConfig(cfg)
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, err
	}
	return agonesclientset.NewForConfig(cfg)
}
