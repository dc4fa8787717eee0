// Package k8s 构建 Kubernetes 客户端。
package k8s

import (
	"fmt"

	"subscription-scheduler/internal/config"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// RestConfig 根据认证类型生成 rest 配置
func RestConfig(cfg *config.K8sAuthConfig) (*rest.Config, error) {
	switch cfg.AuthType {
	case "kubeconfig":
		restCfg, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubeconfig认证失败: %w", err)
		}
		logrus.WithField("kubeconfig", cfg.Kubeconfig).Info("使用kubeconfig认证成功")
		return restCfg, nil

	case "serviceaccount":
		restCfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("ServiceAccount认证失败: %w", err)
		}
		logrus.Info("使用ServiceAccount认证成功")
		return restCfg, nil

	default:
		return nil, fmt.Errorf("不支持的认证类型: %s", cfg.AuthType)
	}
}

// NewClientset 创建 clientset
func NewClientset(cfg *config.K8sAuthConfig) (kubernetes.Interface, error) {
	restCfg, err := RestConfig(cfg)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("创建K8s客户端失败: %w", err)
	}
	return clientset, nil
}
