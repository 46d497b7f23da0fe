package points

// DeploymentPolicy decides whether a run deploys a new token definition or
// reuses one committed earlier.
type DeploymentPolicy interface {
	// Existing returns the deployment to reuse for def, or nil to deploy.
	Existing(def Definition) (*Deployment, error)
	// Deployed is called after a new deployment has committed.
	Deployed(d *Deployment) error
}

// AlwaysDeploy creates a fresh deployment on every run.
type AlwaysDeploy struct{}

func (AlwaysDeploy) Existing(Definition) (*Deployment, error) { return nil, nil }

func (AlwaysDeploy) Deployed(*Deployment) error { return nil }

// ReuseDeployment deploys a tick once and reuses its topic afterwards.
type ReuseDeployment struct {
	Registry DeploymentRegistry
}

func (p ReuseDeployment) Existing(def Definition) (*Deployment, error) {
	return p.Registry.LookupDeployment(def.Tick)
}

func (p ReuseDeployment) Deployed(d *Deployment) error {
	return p.Registry.RegisterDeployment(d)
}
