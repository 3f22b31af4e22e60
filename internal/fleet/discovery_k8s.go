package fleet

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	core "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/go-bedrock/router/internal/config"
)

// K8sDiscovery watches a single Service's Endpoints and feeds the
// current host:port address list to a callback whenever it changes,
// adapted from server/k8s.go's Service informer — here retargeted from
// "discover routable hostnames" to "discover backend addresses."
type K8sDiscovery struct {
	clientset *kubernetes.Clientset
	namespace string
	service   string
	onChange  func(addrs []string)
	stop      chan struct{}
}

// NewK8sDiscovery builds a discovery source from cfg. It returns nil,
// nil when discovery is disabled so callers can skip it without a
// special case.
func NewK8sDiscovery(cfg config.K8sDiscoveryConfig, onChange func(addrs []string)) (*K8sDiscovery, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var restConfig *rest.Config
	var err error
	if cfg.KubeConfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.KubeConfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not load kubernetes config")
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.Wrap(err, "could not create kubernetes clientset")
	}

	return &K8sDiscovery{
		clientset: clientset,
		namespace: cfg.Namespace,
		service:   cfg.ServiceName,
		onChange:  onChange,
		stop:      make(chan struct{}),
	}, nil
}

// Start begins watching Endpoints for the configured Service.
func (d *K8sDiscovery) Start(ctx context.Context) {
	_, controller := cache.NewInformer(
		cache.NewListWatchFromClient(
			d.clientset.CoreV1().RESTClient(),
			"endpoints",
			d.namespace,
			fields.OneTermEqualSelector("metadata.name", d.service),
		),
		&core.Endpoints{},
		0,
		cache.ResourceEventHandlerFuncs{
			AddFunc:    func(obj interface{}) { d.handle(obj) },
			UpdateFunc: func(_, obj interface{}) { d.handle(obj) },
			DeleteFunc: func(interface{}) { d.onChange(nil) },
		},
	)

	logrus.WithFields(logrus.Fields{
		"namespace": d.namespace,
		"service":   d.service,
	}).Info("Watching Kubernetes Endpoints for backend discovery")

	go controller.Run(d.stop)
	go func() {
		<-ctx.Done()
		close(d.stop)
	}()
}

func (d *K8sDiscovery) handle(obj interface{}) {
	endpoints, ok := obj.(*core.Endpoints)
	if !ok {
		return
	}

	var addrs []string
	for _, subset := range endpoints.Subsets {
		port := "19132"
		for _, p := range subset.Ports {
			if p.Name == "bedrock" || p.Name == "minecraft" {
				port = strconv.Itoa(int(p.Port))
			}
		}
		for _, addr := range subset.Addresses {
			addrs = append(addrs, net.JoinHostPort(addr.IP, port))
		}
	}

	logrus.WithField("addrs", addrs).Debug("Backend discovery observed endpoints change")
	d.onChange(addrs)
}
