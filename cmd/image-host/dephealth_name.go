package main

import (
	"regexp"
	"strings"
)

var (
	// <deployment>-<pod-template-hash>-<5 символов>
	deploymentPodRe = regexp.MustCompile(`^(.+)-[a-z0-9]{6,10}-[a-z0-9]{5}$`)
	// <statefulset>-<ordinal>
	statefulSetPodRe = regexp.MustCompile(`^(.+)-\d+$`)
)

// parseOwnerName извлекает имя владельца пода (Deployment, StatefulSet)
// из hostname. Если hostname не похож на имя пода — возвращается как есть.
func parseOwnerName(hostname string) string {
	hostname = strings.TrimSpace(hostname)
	if m := deploymentPodRe.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	if m := statefulSetPodRe.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	return hostname
}
