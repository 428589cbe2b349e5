// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloudinit

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"sigs.k8s.io/yaml"
)

const (
	DefaultHostname = "tunirtests"
	// DefaultPassword is set for the image's default user so a console login
	// remains possible when debugging a VM kept alive after a job.
	DefaultPassword = "passw0rd"
)

type User struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo,omitempty"`
	Shell             string   `json:"shell,omitempty"`
	HomeDir           string   `json:"homedir,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys,omitempty"`
}

func NewUserWithAuthorizedKeys(name string, authorizedKeys []string) User {
	return User{
		Name:              name,
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
		Shell:             "/bin/bash",
		SSHAuthorizedKeys: authorizedKeys,
	}
}

type ChPasswd struct {
	Expire bool `json:"expire"`
}

type UserData struct {
	Hostname    string    `json:"hostname,omitempty"`
	Users       []User    `json:"users,omitempty"`
	Password    string    `json:"password,omitempty"`
	ChPasswd    *ChPasswd `json:"chpasswd,omitempty"`
	SSHPwauth   bool      `json:"ssh_pwauth,omitempty"`
	RunCommands []string  `json:"runcmd,omitempty"`
}

// NewDefaultUserData returns the user-data shared by every VM of a run: the
// image's default user gets a known password, and each named user receives
// the run's public key.
func NewDefaultUserData(authorizedKey string, users ...string) UserData {
	ud := UserData{
		Password:  DefaultPassword,
		ChPasswd:  &ChPasswd{Expire: false},
		SSHPwauth: true,
	}
	if len(users) == 0 {
		return ud
	}

	ud.Users = append(ud.Users, User{Name: "default"})
	seen := make(map[string]struct{}, len(users))
	for _, name := range users {
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		ud.Users = append(ud.Users, NewUserWithAuthorizedKeys(name, []string{authorizedKey}))
	}
	return ud
}

func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("cannot render cloud-config from UserData: %v", err)
	}
	return fmt.Sprintf("#cloud-config\n%s", string(b)), nil
}

// MetaData is the NoCloud meta-data document: instance identity plus the
// public key injected for the default user.
type MetaData struct {
	InstanceID    string            `json:"instance-id"`
	LocalHostname string            `json:"local-hostname"`
	PublicKeys    map[string]string `json:"public-keys,omitempty"`
}

// NewMetaData returns meta-data for hostname. An empty instanceID is replaced
// by a random one so that cloud-init always runs on first boot.
func NewMetaData(instanceID, hostname, publicKey string) MetaData {
	if instanceID == "" {
		instanceID = "iid-" + uuid.NewString()
	}
	if hostname == "" {
		hostname = DefaultHostname
	}
	md := MetaData{
		InstanceID:    instanceID,
		LocalHostname: hostname,
	}
	if publicKey = strings.TrimSpace(publicKey); publicKey != "" {
		md.PublicKeys = map[string]string{"default": publicKey}
	}
	return md
}

func (md MetaData) Render() (string, error) {
	b, err := yaml.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("cannot render meta-data: %v", err)
	}
	return string(b), nil
}
