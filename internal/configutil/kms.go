package configutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/errwrap"
	wrapping "github.com/openbao/go-kms-wrapping/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/aead/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/alicloudkms/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/awskms/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/azurekeyvault/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/gcpckms/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/kmip/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/ocikms/v2"
	statickms "github.com/openbao/go-kms-wrapping/wrappers/static/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/transit/v2"
	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/logger"
)

// ConfigureWrapper is swapped out in tests.
var ConfigureWrapper = configureWrapper

// configureWrapper builds the wrapper that seals token material at rest.
// infoKeys/info, when non-nil, collect human readable details for the
// startup banner.
func configureWrapper(kms *config.BackendBlock, infoKeys *[]string, info *map[string]string, log logger.Logger, opts ...wrapping.Option) (wrapping.Wrapper, error) {
	if kms == nil {
		return nil, fmt.Errorf("a kms block is required to encrypt tokens at rest")
	}

	var wrapper wrapping.Wrapper
	var kmsInfo map[string]string
	var err error

	switch wrapping.WrapperType(kms.Type) {
	case wrapping.WrapperTypeAead:
		wrapper, kmsInfo, err = GetAEADKMSFunc(kms, log)

	case wrapping.WrapperTypeAliCloudKms:
		wrapper, kmsInfo, err = GetAliCloudKMSFunc(kms, opts...)

	case wrapping.WrapperTypeAwsKms:
		wrapper, kmsInfo, err = GetAWSKMSFunc(kms, opts...)

	case wrapping.WrapperTypeAzureKeyVault:
		wrapper, kmsInfo, err = GetAzureKeyVaultKMSFunc(kms, opts...)

	case wrapping.WrapperTypeGcpCkms:
		wrapper, kmsInfo, err = GetGCPCKMSKMSFunc(kms, opts...)

	case wrapping.WrapperTypeOciKms:
		if keyId, ok := kms.Config()["key_id"]; ok {
			opts = append(opts, wrapping.WithKeyId(keyId))
		}
		wrapper, kmsInfo, err = GetOCIKMSKMSFunc(kms, opts...)

	case wrapping.WrapperTypeTransit:
		wrapper, kmsInfo, err = GetTransitKMSFunc(kms, opts...)

	case wrapping.WrapperTypeKmip:
		wrapper, kmsInfo, err = GetKmipKMSFunc(kms, opts...)

	case wrapping.WrapperTypeStatic:
		wrapper, kmsInfo, err = GetStaticKMSFunc(kms, opts...)

	default:
		return nil, fmt.Errorf("unknown KMS type %q", kms.Type)
	}

	if err != nil {
		return nil, errwrap.Wrapf(fmt.Sprintf("error configuring %s kms: {{err}}", kms.Type), err)
	}

	if infoKeys != nil && info != nil {
		for k, v := range kmsInfo {
			*infoKeys = append(*infoKeys, k)
			(*info)[k] = v
		}
	}
	return wrapper, nil
}

// GetAEADKMSFunc builds a local AES-GCM wrapper from a base64 "key". Without
// a key an ephemeral one is generated, which only makes sense with the inmem
// storage backend.
func GetAEADKMSFunc(kms *config.BackendBlock, log logger.Logger) (wrapping.Wrapper, map[string]string, error) {
	conf := kms.Config()
	var key []byte
	if encoded := conf["key"]; encoded != "" {
		var err error
		if key, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return nil, nil, fmt.Errorf("key must be base64: %w", err)
		}
	} else {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, nil, err
		}
		if log != nil {
			log.Warn("aead kms has no key configured, using an ephemeral key; stored tokens will be unreadable after restart")
		}
	}

	wrapper := aead.NewWrapper()
	if err := wrapper.SetAesGcmKeyBytes(key); err != nil {
		return nil, nil, err
	}
	return wrapper, map[string]string{"AEAD Key Length": fmt.Sprintf("%d bits", len(key)*8)}, nil
}

func GetAliCloudKMSFunc(kms *config.BackendBlock, opts ...wrapping.Option) (wrapping.Wrapper, map[string]string, error) {
	wrapper := alicloudkms.NewWrapper()
	wrapperInfo, err := wrapper.SetConfig(context.Background(), append(opts, wrapping.WithConfigMap(kms.Config()))...)
	if err != nil {
		return nil, nil, err
	}
	info := make(map[string]string)
	if wrapperInfo != nil {
		info["AliCloud KMS Region"] = wrapperInfo.Metadata["region"]
		info["AliCloud KMS KeyID"] = wrapperInfo.Metadata["kms_key_id"]
	}
	return wrapper, info, nil
}

var GetAWSKMSFunc = func(kms *config.BackendBlock, opts ...wrapping.Option) (wrapping.Wrapper, map[string]string, error) {
	wrapper := awskms.NewWrapper()
	wrapperInfo, err := wrapper.SetConfig(context.Background(), append(opts, wrapping.WithConfigMap(kms.Config()))...)
	if err != nil {
		return nil, nil, err
	}
	info := make(map[string]string)
	if wrapperInfo != nil {
		info["AWS KMS Region"] = wrapperInfo.Metadata["region"]
		info["AWS KMS KeyID"] = wrapperInfo.Metadata["kms_key_id"]
		if endpoint, ok := wrapperInfo.Metadata["endpoint"]; ok {
			info["AWS KMS Endpoint"] = endpoint
		}
	}
	return wrapper, info, nil
}

func GetAzureKeyVaultKMSFunc(kms *config.BackendBlock, opts ...wrapping.Option) (wrapping.Wrapper, map[string]string, error) {
	wrapper := azurekeyvault.NewWrapper()
	wrapperInfo, err := wrapper.SetConfig(context.Background(), append(opts, wrapping.WithConfigMap(kms.Config()))...)
	if err != nil {
		return nil, nil, err
	}
	info := make(map[string]string)
	if wrapperInfo != nil {
		info["Azure Vault Name"] = wrapperInfo.Metadata["vault_name"]
		info["Azure Key Name"] = wrapperInfo.Metadata["key_name"]
	}
	return wrapper, info, nil
}

func GetGCPCKMSKMSFunc(kms *config.BackendBlock, opts ...wrapping.Option) (wrapping.Wrapper, map[string]string, error) {
	wrapper := gcpckms.NewWrapper()
	wrapperInfo, err := wrapper.SetConfig(context.Background(), append(opts, wrapping.WithConfigMap(kms.Config()))...)
	if err != nil {
		return nil, nil, err
	}
	info := make(map[string]string)
	if wrapperInfo != nil {
		info["GCP KMS Project"] = wrapperInfo.Metadata["project"]
		info["GCP KMS Key Ring"] = wrapperInfo.Metadata["key_ring"]
		info["GCP KMS Crypto Key"] = wrapperInfo.Metadata["crypto_key"]
	}
	return wrapper, info, nil
}

func GetOCIKMSKMSFunc(kms *config.BackendBlock, opts ...wrapping.Option) (wrapping.Wrapper, map[string]string, error) {
	wrapper := ocikms.NewWrapper()
	wrapperInfo, err := wrapper.SetConfig(context.Background(), append(opts, wrapping.WithConfigMap(kms.Config()))...)
	if err != nil {
		return nil, nil, err
	}
	info := make(map[string]string)
	if wrapperInfo != nil {
		info["OCI KMS KeyID"] = wrapperInfo.Metadata[ocikms.KmsConfigKeyId]
		info["OCI KMS Crypto Endpoint"] = wrapperInfo.Metadata[ocikms.KmsConfigCryptoEndpoint]
	}
	return wrapper, info, nil
}

var GetTransitKMSFunc = func(kms *config.BackendBlock, opts ...wrapping.Option) (wrapping.Wrapper, map[string]string, error) {
	wrapper := transit.NewWrapper()
	wrapperInfo, err := wrapper.SetConfig(context.Background(), append(opts, wrapping.WithConfigMap(kms.Config()))...)
	if err != nil {
		return nil, nil, err
	}
	info := make(map[string]string)
	if wrapperInfo != nil {
		info["Transit Address"] = wrapperInfo.Metadata["address"]
		info["Transit Mount Path"] = wrapperInfo.Metadata["mount_path"]
		info["Transit Key Name"] = wrapperInfo.Metadata["key_name"]
	}
	return wrapper, info, nil
}

func GetKmipKMSFunc(kms *config.BackendBlock, opts ...wrapping.Option) (wrapping.Wrapper, map[string]string, error) {
	wrapper := kmip.NewWrapper()
	wrapperInfo, err := wrapper.SetConfig(context.Background(), append(opts, wrapping.WithConfigMap(kms.Config()))...)
	if err != nil {
		return nil, nil, err
	}
	info := make(map[string]string)
	if wrapperInfo != nil {
		info["KMIP Key ID"] = wrapperInfo.Metadata["kms_key_id"]
		info["KMIP Endpoint"] = wrapperInfo.Metadata["endpoint"]
	}
	return wrapper, info, nil
}

func GetStaticKMSFunc(kms *config.BackendBlock, opts ...wrapping.Option) (wrapping.Wrapper, map[string]string, error) {
	wrapper := statickms.NewWrapper()
	wrapperInfo, err := wrapper.SetConfig(context.Background(), append(opts, wrapping.WithConfigMap(kms.Config()))...)
	if err != nil {
		return nil, nil, err
	}
	info := make(map[string]string)
	if wrapperInfo != nil {
		info["Static KMS Key ID"] = wrapperInfo.Metadata["current_key_id"]
	}
	return wrapper, info, nil
}
