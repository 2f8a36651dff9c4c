package plan

import (
	"fmt"
	"strings"

	"github.com/regainflow/console/internal/domain"
)

// Static form defaults.
const (
	DefaultRegion  = "us-east-1"
	DefaultType    = domain.TypeK8sCluster
	DefaultCPU     = "4 vCPU"
	DefaultMemory  = "16 GB"
	DefaultStorage = "100 GB"
)

// StaticFields are the values of the manual environment form.
type StaticFields struct {
	Name        string `json:"name"`
	Region      string `json:"region"`
	Type        string `json:"type"`
	CPU         string `json:"cpu"`
	Memory      string `json:"memory"`
	Storage     string `json:"storage"`
	Description string `json:"description"`
}

func (f StaticFields) withDefaults() StaticFields {
	f.Name = strings.TrimSpace(f.Name)
	f.Region = orDefault(f.Region, DefaultRegion)
	f.Type = orDefault(f.Type, DefaultType)
	f.CPU = orDefault(f.CPU, DefaultCPU)
	f.Memory = orDefault(f.Memory, DefaultMemory)
	f.Storage = orDefault(f.Storage, DefaultStorage)
	f.Description = strings.TrimSpace(f.Description)
	return f
}

// StaticPlan formats form fields into a plan. It is pure: identical input yields an
// identical plan. Only the name is required.
func StaticPlan(fields StaticFields) (domain.DeploymentPlan, error) {
	f := fields.withDefaults()
	if f.Name == "" {
		return domain.DeploymentPlan{}, ErrNameRequired
	}
	if !domain.ValidEnvironmentType(f.Type) {
		return domain.DeploymentPlan{}, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	summary := f.Description
	if summary == "" {
		summary = fmt.Sprintf("Manual deployment of %s in %s", f.Type, f.Region)
	}
	return domain.DeploymentPlan{
		Name:    f.Name,
		Summary: summary,
		Infrastructure: []string{
			fmt.Sprintf("Terraform: Provider AWS (%s)", f.Region),
			"Terraform: VPC & Subnets",
			fmt.Sprintf("Terraform: %s Resources", f.Type),
			fmt.Sprintf("Spec: %s, %s, %s", f.CPU, f.Memory, f.Storage),
		},
		Configuration: []string{
			"Ansible: Base OS Configuration",
			"Ansible: Security Hardening",
			"Ansible: Monitoring Agent",
		},
	}, nil
}

// DemoPlan is served when no text-generation credential is configured.
func DemoPlan() domain.DeploymentPlan {
	return domain.DeploymentPlan{
		Name:    "Auto-Generated K8s Cluster",
		Summary: "A high-availability Kubernetes cluster configured for microservices.",
		Infrastructure: []string{
			"Terraform: aws_eks_cluster.main",
			"Terraform: aws_vpc.main",
			"Terraform: 3x t3.large worker nodes",
		},
		Configuration: []string{
			"Ansible: Install Docker Runtime",
			"Ansible: Configure Kubelet",
			"Helm: Install Nginx Ingress",
		},
	}
}

// FallbackPlan replaces a generated plan when generation fails.
func FallbackPlan() domain.DeploymentPlan {
	return domain.DeploymentPlan{
		Name:           "Error Fallback Env",
		Summary:        "Could not generate custom plan, showing default.",
		Infrastructure: []string{"Terraform: Default VPC", "Terraform: EC2 Instance"},
		Configuration:  []string{"Ansible: Update Apt", "Ansible: Install Python"},
	}
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
