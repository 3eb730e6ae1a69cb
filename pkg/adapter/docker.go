package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/testcontainers/testcontainers-go"

	"github.com/Mindburn-Labs/substrate/pkg/errorir"
	"github.com/Mindburn-Labs/substrate/pkg/registry"
)

// DockerLauncher starts the processor image by digest through the local
// Docker daemon. The image must serve the frame protocol on Port.
type DockerLauncher struct {
	Port     string // default "8080/tcp"
	Platform string // e.g. "linux/amd64"
}

// ImageRef pins image to digest, dropping any tag.
func ImageRef(image, digest string) string {
	repo := image
	if i := strings.Index(repo, "@"); i >= 0 {
		repo = repo[:i]
	}
	if slash, colon := strings.LastIndex(repo, "/"), strings.LastIndex(repo, ":"); colon > slash {
		repo = repo[:colon]
	}
	return repo + "@" + digest
}

func (d DockerLauncher) Launch(ctx context.Context, spec registry.ProcessorSpec, digest string) (*Target, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("%s has no image", spec.Ref)
	}
	port := d.Port
	if port == "" {
		port = "8080/tcp"
	}
	ref := ImageRef(spec.Image, digest)
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:         ref,
			ImagePlatform: d.Platform,
			ExposedPorts:  []string{port},
			Labels:        map[string]string{"substrate.processor": spec.Ref},
		},
		Started: true,
	})
	if err != nil {
		if isPullError(err) {
			return nil, errorir.Wrap(errorir.CodeImagePull, err, fmt.Sprintf("pull %s", ref))
		}
		return nil, err
	}
	endpoint, err := c.Endpoint(ctx, "http")
	if err != nil {
		_ = c.Terminate(context.WithoutCancel(ctx))
		return nil, err
	}
	return &Target{
		BaseURL: endpoint,
		Stop:    func(ctx context.Context) error { return c.Terminate(ctx) },
	}, nil
}

func isPullError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"pull", "manifest unknown", "no such image", "not found", "unauthorized"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
